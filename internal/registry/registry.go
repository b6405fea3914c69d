// Package registry tracks backend endpoints and their health. Health is
// driven by two signals: periodic active probes and passive outcomes
// reported by the dispatch path. Both feed the same consecutive-failure
// counter, so a backend that fails real traffic is taken out of rotation
// without waiting for the next probe cycle.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/util"
)

// Status is the health state of an endpoint.
type Status int32

// Endpoint health states.
const (
	StatusHealthy Status = iota
	StatusUnhealthy
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Endpoint is a single backend endpoint of a service. Status fields are
// atomics so selection never takes a lock on the hot path.
type Endpoint struct {
	Name    string
	Service string
	BaseURL string

	status              atomic.Int32
	consecutiveFailures atomic.Int32
	lastChecked         atomic.Int64
}

// Status returns the endpoint's current health status.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

// ConsecutiveFailures returns the current consecutive failure count.
func (e *Endpoint) ConsecutiveFailures() int {
	return int(e.consecutiveFailures.Load())
}

// LastChecked returns the time of the last health signal, zero if none.
func (e *Endpoint) LastChecked() time.Time {
	n := e.lastChecked.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (e *Endpoint) touch() {
	e.lastChecked.Store(time.Now().UnixNano())
}

// EndpointSnapshot is a point-in-time view of an endpoint's health.
type EndpointSnapshot struct {
	Name                string    `json:"name"`
	Service             string    `json:"service"`
	BaseURL             string    `json:"baseUrl"`
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastChecked         time.Time `json:"lastChecked"`
}

// Registry holds the endpoints of all configured services.
type Registry struct {
	logger           observability.Logger
	failureThreshold int

	mu        sync.RWMutex
	services  map[string][]*Endpoint
	byName    map[string]*Endpoint
	rrCounter map[string]*atomic.Uint64

	prober *prober
}

// Option is a functional option for the registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry from the service configuration. Endpoints start
// healthy; the first probe cycle corrects that quickly if needed.
func New(services []config.ServiceConfig, healthCfg config.HealthConfig, opts ...Option) (*Registry, error) {
	r := &Registry{
		logger:           observability.NopLogger(),
		failureThreshold: healthCfg.FailureThreshold,
		services:         make(map[string][]*Endpoint),
		byName:           make(map[string]*Endpoint),
		rrCounter:        make(map[string]*atomic.Uint64),
	}
	if r.failureThreshold <= 0 {
		r.failureThreshold = config.DefaultFailureThreshold
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, svc := range services {
		if len(svc.Endpoints) == 0 {
			return nil, util.NewConfigError("services", fmt.Sprintf("service %q has no endpoints", svc.Name))
		}
		for _, epCfg := range svc.Endpoints {
			ep := &Endpoint{
				Name:    epCfg.Name,
				Service: svc.Name,
				BaseURL: epCfg.URL,
			}
			key := svc.Name + "/" + epCfg.Name
			if _, dup := r.byName[key]; dup {
				return nil, util.NewConfigError("services",
					fmt.Sprintf("duplicate endpoint %q in service %q", epCfg.Name, svc.Name))
			}
			r.services[svc.Name] = append(r.services[svc.Name], ep)
			r.byName[key] = ep
		}
		r.rrCounter[svc.Name] = &atomic.Uint64{}
	}

	r.prober = newProber(r, healthCfg, r.logger)

	return r, nil
}

// Start begins active probing.
func (r *Registry) Start() {
	r.prober.start()
}

// Stop halts active probing.
func (r *Registry) Stop() {
	r.prober.stop()
}

// SelectHealthy returns a healthy endpoint for the service, rotating
// round-robin across healthy candidates. Returns ErrNoHealthyBackend if
// every endpoint is unhealthy, util.ErrRouteNotFound if the service is
// unknown.
func (r *Registry) SelectHealthy(service string) (*Endpoint, error) {
	r.mu.RLock()
	endpoints := r.services[service]
	counter := r.rrCounter[service]
	r.mu.RUnlock()

	if endpoints == nil {
		return nil, util.ErrRouteNotFound
	}

	healthy := make([]*Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Status() == StatusHealthy {
			healthy = append(healthy, ep)
		}
	}

	if len(healthy) == 0 {
		return nil, util.ErrNoHealthyBackend
	}

	idx := counter.Add(1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}

// ReportOutcome feeds a passive health signal from the dispatch path.
// Unknown endpoints are ignored.
func (r *Registry) ReportOutcome(service, endpoint string, success bool) {
	r.mu.RLock()
	ep := r.byName[service+"/"+endpoint]
	r.mu.RUnlock()

	if ep == nil {
		return
	}

	if success {
		r.recordSuccess(ep)
	} else {
		r.recordFailure(ep, nil)
	}
}

// Endpoints returns all endpoints of a service.
func (r *Registry) Endpoints(service string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Endpoint(nil), r.services[service]...)
}

// Services returns the configured service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the health state of every endpoint.
func (r *Registry) Snapshot() []EndpointSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []EndpointSnapshot
	for _, endpoints := range r.services {
		for _, ep := range endpoints {
			out = append(out, EndpointSnapshot{
				Name:                ep.Name,
				Service:             ep.Service,
				BaseURL:             ep.BaseURL,
				Status:              ep.Status().String(),
				ConsecutiveFailures: ep.ConsecutiveFailures(),
				LastChecked:         ep.LastChecked(),
			})
		}
	}
	return out
}

// allEndpoints returns every endpoint for the prober.
func (r *Registry) allEndpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, endpoints := range r.services {
		out = append(out, endpoints...)
	}
	return out
}

// recordSuccess resets the failure count. A single success restores an
// unhealthy endpoint to rotation.
func (r *Registry) recordSuccess(ep *Endpoint) {
	ep.touch()
	ep.consecutiveFailures.Store(0)

	if ep.status.CompareAndSwap(int32(StatusUnhealthy), int32(StatusHealthy)) {
		r.logger.Info("endpoint became healthy",
			observability.String("service", ep.Service),
			observability.String("endpoint", ep.Name),
		)
		GetMetrics().statusGauge.WithLabelValues(ep.Service, ep.Name).Set(1)
	}
}

// recordFailure increments the failure count and marks the endpoint
// unhealthy once it reaches the threshold.
func (r *Registry) recordFailure(ep *Endpoint, err error) {
	ep.touch()
	fails := ep.consecutiveFailures.Add(1)
	GetMetrics().consecutiveFailures.WithLabelValues(ep.Service, ep.Name).Set(float64(fails))

	if int(fails) >= r.failureThreshold {
		if ep.status.CompareAndSwap(int32(StatusHealthy), int32(StatusUnhealthy)) {
			r.logger.Warn("endpoint became unhealthy",
				observability.String("service", ep.Service),
				observability.String("endpoint", ep.Name),
				observability.Int("consecutiveFailures", int(fails)),
				observability.Error(err),
			)
			GetMetrics().statusGauge.WithLabelValues(ep.Service, ep.Name).Set(0)
		}
	}
}
