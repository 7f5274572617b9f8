package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps process records in one hash per host, since PIDs are only
// meaningful on the machine that spawned them.
type RedisLedger struct {
	client *redis.Client
	key    string
}

func NewRedisLedger(client *redis.Client, host string) ports.ProcessLedger {
	return &RedisLedger{
		client: client,
		key:    keyPrefix + "ledger:" + host,
	}
}

func (l *RedisLedger) Record(ctx context.Context, rec domain.ProcessRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal process record: %w", err)
	}
	if err := l.client.HSet(ctx, l.key, strconv.Itoa(rec.PID), data).Err(); err != nil {
		return fmt.Errorf("failed to record process in Redis: %w", err)
	}
	return nil
}

func (l *RedisLedger) Remove(ctx context.Context, pid int) error {
	if err := l.client.HDel(ctx, l.key, strconv.Itoa(pid)).Err(); err != nil {
		return fmt.Errorf("failed to remove process from Redis: %w", err)
	}
	return nil
}

func (l *RedisLedger) List(ctx context.Context) ([]domain.ProcessRecord, error) {
	entries, err := l.client.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes from Redis: %w", err)
	}

	out := make([]domain.ProcessRecord, 0, len(entries))
	for field, data := range entries {
		var rec domain.ProcessRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			// drop entries we cannot read so they do not block cleanup forever
			l.client.HDel(ctx, l.key, field)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (l *RedisLedger) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the repository factory.
func (l *RedisLedger) Close() error { return nil }
