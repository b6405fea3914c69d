// Package metrics records request-level gateway metrics. Recording is
// an in-memory increment and never blocks or fails the request path.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics holds the request-level prometheus metrics.
type GatewayMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	upstreamRetries *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

var (
	instance *GatewayMetrics
	once     sync.Once
)

// GetMetrics returns the singleton gateway metrics.
func GetMetrics() *GatewayMetrics {
	once.Do(func() {
		instance = &GatewayMetrics{
			requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total number of dispatched requests",
			}, []string{"service", "method", "status_class"}),
			requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "apirelay",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "End-to-end dispatch duration",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "method", "status_class"}),
			cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "gateway",
				Name:      "cache_hits_total",
				Help:      "Requests served from cache",
			}, []string{"service", "method"}),
			cacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "gateway",
				Name:      "cache_misses_total",
				Help:      "Cache-eligible requests that reached a backend",
			}, []string{"service", "method"}),
			upstreamRetries: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "gateway",
				Name:      "upstream_retries_total",
				Help:      "Retry attempts beyond the first upstream call",
			}, []string{"service", "method"}),
			rateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apirelay",
				Subsystem: "gateway",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			}, []string{"client"}),
		}
	})
	return instance
}

// MustRegister registers the metrics with a custom registry.
func (m *GatewayMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheHits,
		m.cacheMisses,
		m.upstreamRetries,
		m.rateLimited,
	)
}

// RecordRequest records one dispatched request.
func (m *GatewayMetrics) RecordRequest(service, method string, status int, duration time.Duration) {
	class := StatusClass(status)
	m.requestsTotal.WithLabelValues(service, method, class).Inc()
	m.requestDuration.WithLabelValues(service, method, class).Observe(duration.Seconds())
}

// RecordCacheHit records a request served from cache.
func (m *GatewayMetrics) RecordCacheHit(service, method string) {
	m.cacheHits.WithLabelValues(service, method).Inc()
}

// RecordCacheMiss records a cache-eligible request that missed.
func (m *GatewayMetrics) RecordCacheMiss(service, method string) {
	m.cacheMisses.WithLabelValues(service, method).Inc()
}

// RecordRetries records upstream retry attempts beyond the first call.
func (m *GatewayMetrics) RecordRetries(service, method string, retries int) {
	if retries > 0 {
		m.upstreamRetries.WithLabelValues(service, method).Add(float64(retries))
	}
}

// RecordRateLimited records a rate limiter rejection.
func (m *GatewayMetrics) RecordRateLimited(client string) {
	m.rateLimited.WithLabelValues(client).Inc()
}

// Init pre-populates series for a service so scrapes see zeroes before
// the first request.
func (m *GatewayMetrics) Init(service string, methods []string) {
	for _, method := range methods {
		for _, class := range []string{"2xx", "3xx", "4xx", "5xx"} {
			m.requestsTotal.WithLabelValues(service, method, class).Add(0)
		}
		m.cacheHits.WithLabelValues(service, method).Add(0)
		m.cacheMisses.WithLabelValues(service, method).Add(0)
		m.upstreamRetries.WithLabelValues(service, method).Add(0)
	}
}

// StatusClass buckets an HTTP status code into its class label.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
