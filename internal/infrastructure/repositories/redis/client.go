package redis

import (
	"context"
	"fmt"
	"time"

	"streamgate/pkg/config"
	"streamgate/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var connectRetry = retry.Config{
	Enabled:      true,
	MaxAttempts:  4,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// NewRedisClient connects to Redis and brings the ledger schema up to date
func NewRedisClient(cfg config.RedisConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Redis may still be starting when the gateway comes up
	err := retry.Retry(ctx, connectRetry, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Run migrations
	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", cfg.Address,
			"db", cfg.DB,
			"pool_size", cfg.PoolSize,
		)
	}

	return client, nil
}

// Close closes the Redis client connection
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
