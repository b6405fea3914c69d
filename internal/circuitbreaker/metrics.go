package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds prometheus metrics for circuit breakers.
type Metrics struct {
	transitions *prometheus.CounterVec
	stateGauge  *prometheus.GaugeVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton circuit breaker metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			transitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "circuitbreaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			}, []string{"backend", "from", "to"}),
			stateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "apirelay",
				Subsystem: "circuitbreaker",
				Name:      "state",
				Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			}, []string{"backend"}),
		}
	})
	return metricsInstance
}

// MustRegister registers the metrics with a custom registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(m.transitions, m.stateGauge)
}
