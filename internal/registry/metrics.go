package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds prometheus metrics for backend health tracking.
type Metrics struct {
	statusGauge         *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	probesTotal         *prometheus.CounterVec
	probeDuration       *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton registry metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			statusGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "apirelay",
				Subsystem: "backend",
				Name:      "healthy",
				Help:      "Whether the backend endpoint is healthy (1) or unhealthy (0)",
			}, []string{"service", "endpoint"}),
			consecutiveFailures: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "apirelay",
				Subsystem: "backend",
				Name:      "consecutive_failures",
				Help:      "Current consecutive failure count per backend endpoint",
			}, []string{"service", "endpoint"}),
			probesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "backend",
				Name:      "probes_total",
				Help:      "Total number of active health probes by result",
			}, []string{"service", "endpoint", "result"}),
			probeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "apirelay",
				Subsystem: "backend",
				Name:      "probe_duration_seconds",
				Help:      "Duration of active health probes",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "endpoint"}),
		}
	})
	return metricsInstance
}

// MustRegister registers the metrics with a custom registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.statusGauge,
		m.consecutiveFailures,
		m.probesTotal,
		m.probeDuration,
	)
}

// Init pre-populates probe result series for an endpoint so dashboards
// see zero values before the first probe lands.
func (m *Metrics) Init(service, endpoint string) {
	m.statusGauge.WithLabelValues(service, endpoint).Set(1)
	m.consecutiveFailures.WithLabelValues(service, endpoint).Set(0)
	for _, result := range []string{"success", "failure"} {
		m.probesTotal.WithLabelValues(service, endpoint, result).Add(0)
	}
}
