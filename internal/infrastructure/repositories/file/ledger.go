package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/google/renameio/v2"
)

const ledgerFileName = "processes.json"

// FileLedger stores process records as a JSON document next to the session
// directories. Every write replaces the file atomically.
type FileLedger struct {
	path    string
	records map[int]domain.ProcessRecord
	mu      sync.Mutex
}

func NewFileLedger(dir string) (ports.ProcessLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	l := &FileLedger{
		path:    filepath.Join(dir, ledgerFileName),
		records: make(map[int]domain.ProcessRecord),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var recs []domain.ProcessRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	for _, rec := range recs {
		l.records[rec.PID] = rec
	}
	return nil
}

// flush must be called with mu held.
func (l *FileLedger) flush() error {
	recs := make([]domain.ProcessRecord, 0, len(l.records))
	for _, rec := range l.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].PID < recs[j].PID })

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	if err := renameio.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

func (l *FileLedger) Record(ctx context.Context, rec domain.ProcessRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[rec.PID] = rec
	return l.flush()
}

func (l *FileLedger) Remove(ctx context.Context, pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[pid]; !ok {
		return nil
	}
	delete(l.records, pid)
	return l.flush()
}

func (l *FileLedger) List(ctx context.Context) ([]domain.ProcessRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.ProcessRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (l *FileLedger) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(l.path))
	return err
}

func (l *FileLedger) Close() error { return nil }
