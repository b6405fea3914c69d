package health

import (
	"context"

	"github.com/apirelay/apirelay/internal/registry"
)

// Pinger is anything that can verify connectivity, typically the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheCheck reports the distributed cache tier. An unreachable cache
// is Degraded, not Unhealthy: the gateway keeps serving by treating
// every lookup as a miss.
func CacheCheck(pinger Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if pinger == nil {
			return StatusHealthy
		}
		if err := pinger.Ping(ctx); err != nil {
			return StatusDegraded
		}
		return StatusHealthy
	}
}

// BackendCheck reports one backend service from the health registry.
// All endpoints down is Unhealthy; a partial outage is Degraded.
func BackendCheck(backends *registry.Registry, service string) CheckFunc {
	return func(ctx context.Context) Status {
		endpoints := backends.Endpoints(service)
		if len(endpoints) == 0 {
			return StatusUnhealthy
		}

		healthy := 0
		for _, ep := range endpoints {
			if ep.Status() == registry.StatusHealthy {
				healthy++
			}
		}

		switch {
		case healthy == len(endpoints):
			return StatusHealthy
		case healthy == 0:
			return StatusUnhealthy
		default:
			return StatusDegraded
		}
	}
}
