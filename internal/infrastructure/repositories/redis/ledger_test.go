package redis

import (
	"context"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, config.RedisConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, config.RedisConfig{Address: mr.Addr(), PoolSize: 2}
}

func TestRedisLedger_RecordListRemove(t *testing.T) {
	_, cfg := newTestClient(t)
	client, err := NewRedisClient(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer CloseRedisClient(client)

	ctx := context.Background()
	ledger := NewRedisLedger(client, "host-a")

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, ledger.Record(ctx, domain.ProcessRecord{StreamKey: "k2", PID: 200, Binary: "/usr/bin/ffmpeg", StartedAt: started}))
	require.NoError(t, ledger.Record(ctx, domain.ProcessRecord{StreamKey: "k1", PID: 100, Binary: "/usr/bin/ffmpeg", StartedAt: started}))

	recs, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 100, recs[0].PID)
	assert.Equal(t, domain.StreamKey("k1"), recs[0].StreamKey)
	assert.True(t, recs[0].StartedAt.Equal(started))

	require.NoError(t, ledger.Remove(ctx, 100))
	recs, err = ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 200, recs[0].PID)
}

func TestRedisLedger_ScopedByHost(t *testing.T) {
	_, cfg := newTestClient(t)
	client, err := NewRedisClient(cfg, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	ctx := context.Background()
	a := NewRedisLedger(client, "host-a")
	b := NewRedisLedger(client, "host-b")

	require.NoError(t, a.Record(ctx, domain.ProcessRecord{PID: 1}))

	recs, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisLedger_DropsUnreadableEntries(t *testing.T) {
	mr, cfg := newTestClient(t)
	client, err := NewRedisClient(cfg, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	mr.HSet(keyPrefix+"ledger:host-a", "42", "not-json")

	ledger := NewRedisLedger(client, "host-a")
	recs, err := ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.False(t, mr.Exists(keyPrefix+"ledger:host-a"))
}

func TestMigrate_RemovesWrongTypedLedgerKeys(t *testing.T) {
	mr, cfg := newTestClient(t)
	require.NoError(t, mr.Set(keyPrefix+"ledger:old", "legacy"))

	client, err := NewRedisClient(cfg, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	assert.False(t, mr.Exists(keyPrefix+"ledger:old"))
	version, err := mr.Get(schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestMigrate_SkipsAppliedVersions(t *testing.T) {
	mr, cfg := newTestClient(t)
	require.NoError(t, mr.Set(schemaVersionKey, "1"))
	require.NoError(t, mr.Set(keyPrefix+"ledger:old", "legacy"))

	client, err := NewRedisClient(cfg, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	assert.True(t, mr.Exists(keyPrefix+"ledger:old"))
	assert.Equal(t, 1, SchemaVersion())
}
