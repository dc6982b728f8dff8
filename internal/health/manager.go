package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OverallHealth aggregates all component checks.
type OverallHealth struct {
	Status     CheckStatus            `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers on demand and caches the last result for
// readiness probes.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		logger:   logger,
	}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Check runs every checker and aggregates: any critical failure is
// unhealthy, any failure at all is degraded.
func (m *Manager) Check(ctx context.Context) OverallHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	overall := OverallHealth{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}

	for _, c := range checkers {
		res := m.runOne(ctx, c)
		overall.Components[c.Name()] = res
		switch {
		case res.Status == StatusUnhealthy && res.Critical:
			overall.Status = StatusUnhealthy
		case res.Status != StatusHealthy && overall.Status == StatusHealthy:
			overall.Status = StatusDegraded
		}
	}

	m.mu.Lock()
	for name, res := range overall.Components {
		m.last[name] = res
	}
	m.mu.Unlock()
	return overall
}

// Ready reports whether every critical component passed its last check.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Status != StatusUnhealthy
}

func (m *Manager) runOne(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(cctx)
	res := CheckResult{
		Component: c.Name(),
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
		Critical:  c.IsCritical(),
	}
	if err != nil {
		res.Error = err.Error()
		if c.IsCritical() {
			res.Status = StatusUnhealthy
		} else {
			res.Status = StatusDegraded
		}
		m.logger.Warn("health check failed",
			zap.String("component", c.Name()),
			zap.Bool("critical", c.IsCritical()),
			zap.Error(err))
	}
	return res
}
