package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReaper(env *testEnv, metrics ReaperMetrics, config ReaperConfig) *Reaper {
	return NewReaper(env.registry, memory.NewMemoryLedger(), nil, metrics, config, zap.NewNop().Sugar())
}

func TestReaper_StopsOnlyAfterGrace(t *testing.T) {
	clock := newFakeClock()
	env := newTestEnv(t, clock)
	metrics := &recordingMetrics{}
	reaper := newTestReaper(env, metrics, ReaperConfig{
		Interval:          5 * time.Second,
		IdleGrace:         30 * time.Second,
		SubscriberTimeout: time.Hour,
		TerminalRetention: time.Hour,
	})
	ctx := context.Background()

	ticket, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	require.NoError(t, env.controller.ReleaseStream(ctx, ticket.StreamKey, ticket.SubscriberID))
	releasedAt := clock.Now()

	res := reaper.SweepOnce(ctx, releasedAt.Add(30*time.Second-time.Millisecond))
	assert.Empty(t, res.Stopped)
	st, err := env.controller.GetStatus(ctx, ticket.StreamKey)
	require.NoError(t, err)
	assert.True(t, st.State.Active())

	res = reaper.SweepOnce(ctx, releasedAt.Add(30*time.Second))
	assert.Equal(t, []domain.StreamKey{ticket.StreamKey}, res.Stopped)
	st, err = env.controller.GetStatus(ctx, ticket.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, st.State)
	assert.Equal(t, domain.StopReasonIdle, st.StopReason)
	assert.Equal(t, []domain.StopReason{domain.StopReasonIdle}, metrics.stops)
}

func TestReaper_SubscribersKeepSessionAlive(t *testing.T) {
	clock := newFakeClock()
	env := newTestEnv(t, clock)
	reaper := newTestReaper(env, nil, ReaperConfig{
		IdleGrace:         30 * time.Second,
		SubscriberTimeout: time.Hour,
	})
	ctx := context.Background()

	ticket, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)

	res := reaper.SweepOnce(ctx, clock.Now().Add(10*time.Minute))
	assert.Empty(t, res.Stopped)
	st, err := env.controller.GetStatus(ctx, ticket.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SubscriberCount)
}

func TestReaper_IdleClockRestartsOnSubscriberChange(t *testing.T) {
	clock := newFakeClock()
	env := newTestEnv(t, clock)
	reaper := newTestReaper(env, nil, ReaperConfig{
		IdleGrace:         30 * time.Second,
		SubscriberTimeout: time.Hour,
	})
	ctx := context.Background()

	a, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	require.NoError(t, env.controller.ReleaseStream(ctx, a.StreamKey, a.SubscriberID))

	clock.Advance(20 * time.Second)
	b, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	require.NoError(t, env.controller.ReleaseStream(ctx, b.StreamKey, b.SubscriberID))

	// 35s after the first release but only 15s after the last change
	res := reaper.SweepOnce(ctx, clock.Now().Add(15*time.Second))
	assert.Empty(t, res.Stopped)

	res = reaper.SweepOnce(ctx, clock.Now().Add(30*time.Second))
	assert.Len(t, res.Stopped, 1)
}

func TestReaper_ExpiresLeases(t *testing.T) {
	clock := newFakeClock()
	env := newTestEnv(t, clock)
	metrics := &recordingMetrics{}
	reaper := newTestReaper(env, metrics, ReaperConfig{
		IdleGrace:         30 * time.Second,
		SubscriberTimeout: time.Minute,
	})
	ctx := context.Background()

	stale, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	fresh, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	res := reaper.SweepOnce(ctx, clock.Now())
	assert.Equal(t, 1, res.ExpiredLeases)
	assert.Empty(t, res.Stopped)
	assert.Equal(t, 1, metrics.expired)

	assert.ErrorIs(t, env.controller.RenewLease(stale.StreamKey, stale.SubscriberID), domain.ErrSubscriberNotFound)
	assert.NoError(t, env.controller.RenewLease(fresh.StreamKey, fresh.SubscriberID))
}

func TestReaper_PurgesStoppedSessions(t *testing.T) {
	clock := newFakeClock()
	env := newTestEnv(t, clock)
	reaper := newTestReaper(env, nil, ReaperConfig{
		IdleGrace:         30 * time.Second,
		SubscriberTimeout: time.Hour,
		TerminalRetention: 2 * time.Minute,
	})
	ctx := context.Background()

	ticket, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	require.NoError(t, env.controller.StopStream(ctx, ticket.StreamKey))

	res := reaper.SweepOnce(ctx, clock.Now().Add(time.Minute))
	assert.Empty(t, res.Purged)
	_, err = env.controller.GetStatus(ctx, ticket.StreamKey)
	assert.NoError(t, err)

	res = reaper.SweepOnce(ctx, clock.Now().Add(2*time.Minute))
	assert.Equal(t, []domain.StreamKey{ticket.StreamKey}, res.Purged)
	_, err = env.controller.GetStatus(ctx, ticket.StreamKey)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestReaper_RunStopsWithinGracePlusInterval(t *testing.T) {
	env := newTestEnv(t, nil)
	const (
		grace    = 300 * time.Millisecond
		interval = 50 * time.Millisecond
	)
	reaper := newTestReaper(env, nil, ReaperConfig{
		Interval:          interval,
		IdleGrace:         grace,
		SubscriberTimeout: time.Hour,
		TerminalRetention: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticket, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	go reaper.Run(ctx)

	require.NoError(t, env.controller.ReleaseStream(ctx, ticket.StreamKey, ticket.SubscriberID))
	released := time.Now()

	time.Sleep(grace - 100*time.Millisecond)
	st, err := env.controller.GetStatus(ctx, ticket.StreamKey)
	require.NoError(t, err)
	assert.True(t, st.State.Active(), "stopped before grace elapsed")

	require.Eventually(t, func() bool {
		st, err := env.controller.GetStatus(ctx, ticket.StreamKey)
		return err == nil && st.State == domain.StateStopped
	}, 2*time.Second, 10*time.Millisecond)
	// scheduling slack on top of grace + interval
	assert.Less(t, time.Since(released), grace+interval+500*time.Millisecond)
}

func TestReaper_RecoverOrphans(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	root := t.TempDir()

	ledger := memory.NewMemoryLedger()
	require.NoError(t, ledger.Record(ctx, domain.ProcessRecord{StreamKey: "aaaaaaaaaaaaaaaaaaaa", PID: 101, Binary: "ffmpeg"}))
	require.NoError(t, ledger.Record(ctx, domain.ProcessRecord{StreamKey: "bbbbbbbbbbbbbbbbbbbb", PID: 102, Binary: "ffmpeg"}))
	require.NoError(t, ledger.Record(ctx, domain.ProcessRecord{StreamKey: "cccccccccccccccccccc", PID: 103, Binary: "ffmpeg"}))

	var killed []int
	kill := func(rec domain.ProcessRecord, grace time.Duration) (bool, error) {
		killed = append(killed, rec.PID)
		switch rec.PID {
		case 101:
			return true, nil
		case 102:
			return false, nil
		default:
			return false, errors.New("permission denied")
		}
	}

	require.NoError(t, os.Mkdir(filepath.Join(root, "aaaaaaaaaaaaaaaaaaaa"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "aaaaaaaaaaaaaaaaaaaa", "seg_000001.ts"), []byte("ts"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "not-a-session"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "processes.json"), []byte("{}"), 0o644))

	metrics := &recordingMetrics{}
	reaper := NewReaper(env.registry, ledger, kill, metrics, ReaperConfig{
		OutputRoot: root,
		KillGrace:  time.Millisecond,
	}, zap.NewNop().Sugar())

	res, err := reaper.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Killed)
	assert.Equal(t, 2, res.Cleared)
	assert.Equal(t, 1, res.DirsRemoved)
	assert.ElementsMatch(t, []int{101, 102, 103}, killed)
	assert.Equal(t, 1, metrics.orphans)

	// the record that could not be killed stays for the next attempt
	recs, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 103, recs[0].PID)

	assert.NoDirExists(t, filepath.Join(root, "aaaaaaaaaaaaaaaaaaaa"))
	assert.DirExists(t, filepath.Join(root, "not-a-session"))
	assert.FileExists(t, filepath.Join(root, "processes.json"))
}

func TestReaper_RecoverOrphansKeepsLiveSessionDirs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	root := t.TempDir()

	ticket, err := env.controller.CreateStream(ctx, camURL(1), domain.Profile{})
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(root, string(ticket.StreamKey)), 0o755))

	reaper := NewReaper(env.registry, memory.NewMemoryLedger(), nil, nil, ReaperConfig{OutputRoot: root}, zap.NewNop().Sugar())
	res, err := reaper.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DirsRemoved)
	assert.DirExists(t, filepath.Join(root, string(ticket.StreamKey)))
}
