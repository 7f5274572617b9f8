package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthChecker struct {
	checks []HealthCheck
	last   map[string]string
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		last:   make(map[string]string),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range checks {
		result := h.run(ctx, check)
		if result != "healthy" {
			status.Status = "unhealthy"
		}
		status.Checks[check.Name] = result
	}

	return status
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) string {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	healthy, err := check.Check(checkCtx)
	switch {
	case err != nil:
		return err.Error()
	case !healthy:
		return "check failed"
	}
	return "healthy"
}

// StartBackgroundChecks runs every check on its interval and logs when a
// result changes.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.checks {
		if check.Interval <= 0 {
			continue
		}
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.record(check.Name, h.run(ctx, check))
		}
	}
}

func (h *HealthChecker) record(name, result string) {
	h.mu.Lock()
	prev, seen := h.last[name]
	h.last[name] = result
	h.mu.Unlock()

	if seen && prev == result {
		return
	}
	if result == "healthy" {
		h.logger.Infow("health check passing", "check", name)
	} else {
		h.logger.Warnw("health check failing", "check", name, "result", result)
	}
}
