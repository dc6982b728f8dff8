package health

import (
	"context"
	"time"
)

// CheckStatus is the outcome of one component check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's health at a point in time.
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one backend. Critical checkers take the whole service
// unhealthy when they fail; non-critical ones only degrade it, matching how
// retrieval degrades when a single index is down.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	IsCritical() bool
	Timeout() time.Duration
}
