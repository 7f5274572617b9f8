package ports

import (
	"context"

	"streamgate/internal/core/domain"
)

// ProcessLedger persists running engine processes so a restarted server can
// find the ones it left behind.
type ProcessLedger interface {
	Record(ctx context.Context, rec domain.ProcessRecord) error
	Remove(ctx context.Context, pid int) error
	List(ctx context.Context) ([]domain.ProcessRecord, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
