package repositories

import (
	"context"
	"os"

	"streamgate/internal/core/ports"
	"streamgate/internal/infrastructure/repositories/file"
	"streamgate/internal/infrastructure/repositories/memory"
	redisrepo "streamgate/internal/infrastructure/repositories/redis"
	"streamgate/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the process ledger backend with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	ledgerDir   string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		ledgerDir: cfg.Engine.OutputRoot,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(cfg.Redis, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to file ledger",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis process ledger")
		}
	}

	return factory, nil
}

// CreateProcessLedger creates the ledger (Redis, file, or memory as last resort)
func (f *RepositoryFactory) CreateProcessLedger() ports.ProcessLedger {
	if f.useRedis && f.redisClient != nil {
		host, _ := os.Hostname()
		return redisrepo.NewRedisLedger(f.redisClient, host)
	}
	if f.ledgerDir != "" {
		ledger, err := file.NewFileLedger(f.ledgerDir)
		if err == nil {
			f.logger.Infow("using file process ledger", "dir", f.ledgerDir)
			return ledger
		}
		f.logger.Warnw("failed to open file ledger, falling back to memory",
			"dir", f.ledgerDir,
			"error", err,
		)
	}
	f.logger.Info("using memory process ledger")
	return memory.NewMemoryLedger()
}

// RedisClient returns the shared client, or nil when the ledger is not
// Redis-backed.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
