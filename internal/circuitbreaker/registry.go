package circuitbreaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
)

// Registry manages one breaker per backend endpoint, created lazily on
// first use.
type Registry struct {
	maxFailures int
	cooldown    time.Duration
	logger      observability.Logger

	breakers sync.Map
}

// NewRegistry creates a breaker registry from the resilience config.
func NewRegistry(cfg config.BreakerConfig, logger observability.Logger) *Registry {
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = config.DefaultBreakerTrip
	}
	cooldown := cfg.Cooldown.Duration()
	if cooldown <= 0 {
		cooldown = config.DefaultBreakerCooldown
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger,
	}
}

// GetOrCreate returns the breaker for a backend, creating it on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*Breaker)
	}

	b := New(name, r.maxFailures, r.cooldown, WithLogger(r.logger))

	actual, loaded := r.breakers.LoadOrStore(name, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("backend", name),
	)
	return b
}

// Get returns the breaker for a backend, or nil if none exists yet.
func (r *Registry) Get(name string) *Breaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// States returns the current state of every known breaker.
func (r *Registry) States() map[string]gobreaker.State {
	states := make(map[string]gobreaker.State)
	r.breakers.Range(func(key, value interface{}) bool {
		states[key.(string)] = value.(*Breaker).State()
		return true
	})
	return states
}

// Count returns the number of breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
