package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "streamgate:"
	schemaVersionKey = keyPrefix + "schema:version"
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

var migrations = []migration{
	{version: 1, name: "drop non-hash ledger keys", up: dropForeignLedgerKeys},
}

// SchemaVersion is the version Migrate brings the keyspace to.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every migration newer than the stored schema version.
// The version is bumped after each step so a failed run resumes where it
// stopped.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		current = m.version
		if logger != nil {
			logger.Infow("applied ledger migration", "version", m.version, "name", m.name)
		}
	}
	return nil
}

// dropForeignLedgerKeys removes anything under the ledger prefix that is not
// a hash, since RedisLedger cannot read it.
func dropForeignLedgerKeys(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, keyPrefix+"ledger:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		kind, err := client.Type(ctx, key).Result()
		if err != nil {
			return err
		}
		if kind == "hash" {
			continue
		}
		if err := client.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
