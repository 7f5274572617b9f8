package services

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/core/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReaperMetrics is the subset of the metrics collector the Reaper reports to.
type ReaperMetrics interface {
	RecordReaperStop(reason domain.StopReason)
	RecordLeasesExpired(n int)
	RecordOrphansReaped(n int)
}

type ReaperConfig struct {
	Interval          time.Duration
	IdleGrace         time.Duration
	SubscriberTimeout time.Duration
	TerminalRetention time.Duration
	// StopTimeout bounds how long one sweep waits for idle sessions to stop.
	StopTimeout time.Duration
	// KillGrace is the SIGTERM to SIGKILL delay used for orphans.
	KillGrace  time.Duration
	OutputRoot string
}

// OrphanKiller terminates a process recorded by an earlier run.
type OrphanKiller func(rec domain.ProcessRecord, grace time.Duration) (bool, error)

// Reaper stops idle sessions, expires stale leases and cleans up after
// crashed runs.
type Reaper struct {
	registry *session.Registry
	ledger   ports.ProcessLedger
	metrics  ReaperMetrics
	config   ReaperConfig
	logger   *zap.SugaredLogger
	kill     OrphanKiller
	now      func() time.Time
}

// NewReaper creates a reaper. metrics may be nil.
func NewReaper(registry *session.Registry, ledger ports.ProcessLedger, kill OrphanKiller, metrics ReaperMetrics, config ReaperConfig, logger *zap.SugaredLogger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.IdleGrace <= 0 {
		config.IdleGrace = 30 * time.Second
	}
	if config.SubscriberTimeout <= 0 {
		config.SubscriberTimeout = time.Minute
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 5 * time.Second
	}
	if metrics == nil {
		metrics = nopReaperMetrics{}
	}
	return &Reaper{
		registry: registry,
		ledger:   ledger,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		kill:     kill,
		now:      time.Now,
	}
}

// SweepResult describes what one sweep changed.
type SweepResult struct {
	ExpiredLeases int
	Stopped       []domain.StreamKey
	Purged        []domain.StreamKey
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Infow("reaper started",
		"interval", r.config.Interval,
		"idle_grace", r.config.IdleGrace,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx, r.now())
		}
	}
}

// SweepOnce runs one pass at the given time.
func (r *Reaper) SweepOnce(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult
	var idle []*session.Session

	for _, s := range r.registry.List() {
		if !s.State().Active() {
			continue
		}
		if expired := s.ExpireLeases(now, r.config.SubscriberTimeout); len(expired) > 0 {
			result.ExpiredLeases += len(expired)
			r.logger.Infow("subscriber leases expired",
				"stream_key", s.Key(),
				"count", len(expired),
			)
		}
		since, ok := s.IdleSince()
		if ok && now.Sub(since) >= r.config.IdleGrace {
			idle = append(idle, s)
		}
	}
	if result.ExpiredLeases > 0 {
		r.metrics.RecordLeasesExpired(result.ExpiredLeases)
	}

	if len(idle) > 0 {
		stopCtx, cancel := context.WithTimeout(ctx, r.config.StopTimeout)
		g, gctx := errgroup.WithContext(stopCtx)
		for _, s := range idle {
			result.Stopped = append(result.Stopped, s.Key())
			r.logger.Infow("stopping idle session",
				"stream_key", s.Key(),
			)
			g.Go(func() error {
				return s.Stop(gctx, domain.StopReasonIdle)
			})
			r.metrics.RecordReaperStop(domain.StopReasonIdle)
		}
		if err := g.Wait(); err != nil {
			r.logger.Warnw("idle sessions did not stop in time",
				"error", err,
			)
		}
		cancel()
	}

	if r.config.TerminalRetention >= 0 {
		result.Purged = r.registry.PurgeStopped(now, r.config.TerminalRetention)
		for _, key := range result.Purged {
			r.logger.Debugw("stopped session purged", "stream_key", key)
		}
	}
	return result
}

// RecoveryResult describes what RecoverOrphans cleaned up.
type RecoveryResult struct {
	Killed      int
	Cleared     int
	DirsRemoved int
}

// RecoverOrphans kills engine processes left in the ledger by a previous
// run, clears the ledger and removes session directories no live session
// owns. It must run before the first session is created.
func (r *Reaper) RecoverOrphans(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult

	records, err := r.ledger.List(ctx)
	if err != nil {
		return result, err
	}
	for _, rec := range records {
		if r.kill != nil {
			killed, err := r.kill(rec, r.config.KillGrace)
			if err != nil {
				r.logger.Errorw("failed to kill orphaned engine",
					"stream_key", rec.StreamKey,
					"pid", rec.PID,
					"error", err,
				)
				continue
			}
			if killed {
				result.Killed++
				r.logger.Warnw("killed orphaned engine",
					"stream_key", rec.StreamKey,
					"pid", rec.PID,
				)
			}
		}
		if err := r.ledger.Remove(ctx, rec.PID); err != nil {
			return result, err
		}
		result.Cleared++
	}
	if result.Killed > 0 {
		r.metrics.RecordOrphansReaped(result.Killed)
	}

	removed, err := r.removeOrphanDirs()
	result.DirsRemoved = removed
	return result, err
}

func (r *Reaper) removeOrphanDirs() (int, error) {
	if r.config.OutputRoot == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(r.config.OutputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		key := domain.StreamKey(e.Name())
		if !e.IsDir() || !key.Valid() {
			continue
		}
		if _, err := r.registry.Get(key); err == nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.config.OutputRoot, e.Name())); err != nil {
			r.logger.Warnw("failed to remove orphaned output directory",
				"stream_key", key,
				"error", err,
			)
			continue
		}
		removed++
	}
	return removed, nil
}

type nopReaperMetrics struct{}

func (nopReaperMetrics) RecordReaperStop(domain.StopReason) {}
func (nopReaperMetrics) RecordLeasesExpired(int)            {}
func (nopReaperMetrics) RecordOrphansReaped(int)            {}
