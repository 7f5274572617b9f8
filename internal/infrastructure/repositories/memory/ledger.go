package memory

import (
	"context"
	"sort"
	"sync"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
)

// MemoryLedger keeps process records for the lifetime of the server only.
type MemoryLedger struct {
	records map[int]domain.ProcessRecord
	mu      sync.RWMutex
}

func NewMemoryLedger() ports.ProcessLedger {
	return &MemoryLedger{
		records: make(map[int]domain.ProcessRecord),
	}
}

func (l *MemoryLedger) Record(ctx context.Context, rec domain.ProcessRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[rec.PID] = rec
	return nil
}

func (l *MemoryLedger) Remove(ctx context.Context, pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, pid)
	return nil
}

func (l *MemoryLedger) List(ctx context.Context) ([]domain.ProcessRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.ProcessRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (l *MemoryLedger) HealthCheck(ctx context.Context) error { return nil }

func (l *MemoryLedger) Close() error { return nil }
