// Package health aggregates liveness and readiness state for the
// gateway and its dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is an aggregate or per-dependency health status.
type Status string

// Health states, from best to worst.
const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

// Entry is the result of one dependency check.
type Entry struct {
	Status     Status  `json:"status"`
	DurationMs float64 `json:"durationMs"`
}

// LivenessResponse is the body of the liveness endpoint.
type LivenessResponse struct {
	Status Status `json:"status"`
}

// ReadinessResponse is the body of the readiness endpoint.
type ReadinessResponse struct {
	Status  Status           `json:"status"`
	Entries map[string]Entry `json:"entries"`
}

// CheckFunc reports the status of one dependency.
type CheckFunc func(ctx context.Context) Status

// Checker runs registered dependency checks and aggregates the result.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a dependency check under a name. Registering
// the same name again replaces the previous check.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// UnregisterCheck removes a dependency check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Liveness reports process liveness. It is always healthy: a process
// that can answer is alive.
func (c *Checker) Liveness() LivenessResponse {
	return LivenessResponse{Status: StatusHealthy}
}

// Readiness runs every registered check and aggregates. Any unhealthy
// entry makes the aggregate unhealthy; otherwise any degraded entry
// makes it degraded.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	response := ReadinessResponse{
		Status:  StatusHealthy,
		Entries: make(map[string]Entry, len(checks)),
	}

	for name, fn := range checks {
		start := time.Now()
		status := fn(ctx)
		response.Entries[name] = Entry{
			Status:     status,
			DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}

		switch status {
		case StatusUnhealthy:
			response.Status = StatusUnhealthy
		case StatusDegraded:
			if response.Status != StatusUnhealthy {
				response.Status = StatusDegraded
			}
		}
	}

	return response
}

// HTTPStatus maps an aggregate status to the readiness HTTP status.
// Degraded still answers 200 so orchestrators keep routing traffic.
func HTTPStatus(s Status) int {
	if s == StatusUnhealthy {
		return 503
	}
	return 200
}
