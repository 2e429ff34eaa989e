package monitoring

import (
	"context"
	"sync"
	"time"
)

// HealthCheck probes a single dependency. Check reports false or an error
// when the dependency is unavailable.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

// HealthChecker runs registered checks on demand and in the background.
// Registering a check under an existing name replaces it.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]HealthCheck
	order  []string
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]HealthCheck),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
	}
	h.checks[name] = HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	}
}

// CheckAll runs every registered check once. The overall status is
// "unhealthy" as soon as any single check fails.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.snapshot() {
		healthy, err := h.runOnce(ctx, check)
		switch {
		case err != nil:
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		case !healthy:
			status.Status = "unhealthy"
			status.Checks[check.Name] = "check failed"
		default:
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// StartBackgroundChecks keeps every registered check warm on its own
// interval until ctx is cancelled. Checks added afterwards only run via
// CheckAll.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, check := range h.snapshot() {
		go h.runPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = h.runOnce(ctx, check)
		}
	}
}

func (h *HealthChecker) runOnce(ctx context.Context, check HealthCheck) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(checkCtx)
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make([]HealthCheck, 0, len(h.order))
	for _, name := range h.order {
		checks = append(checks, h.checks[name])
	}
	return checks
}
