package monitoring

import (
	"context"
	"fmt"
	"os"
	"time"

	"streamgate/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddLedgerCheck verifies the process ledger is reachable
func (h *HealthChecker) AddLedgerCheck(ledger ports.ProcessLedger, interval, timeout time.Duration) {
	h.AddCheck("ledger", func(ctx context.Context) (bool, error) {
		if err := ledger.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddEngineCheck verifies the engine binary is still present and executable
func (h *HealthChecker) AddEngineCheck(binary string, interval, timeout time.Duration) {
	h.AddCheck("engine", func(ctx context.Context) (bool, error) {
		info, err := os.Stat(binary)
		if err != nil {
			return false, err
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return false, fmt.Errorf("%s is not executable", binary)
		}
		return true, nil
	}, interval, timeout)
}
