// Package circuitbreaker protects backend endpoints with per-backend
// circuit breakers built on sony/gobreaker. A breaker opens after a run
// of consecutive failures and admits a single trial request once the
// cooldown elapses.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/util"
)

var cbTracer = otel.Tracer("apirelay/circuitbreaker")

// StateFunc is called when a breaker changes state.
type StateFunc func(name string, from, to gobreaker.State)

// Breaker wraps a gobreaker.CircuitBreaker for a single backend endpoint.
type Breaker struct {
	cb            *gobreaker.CircuitBreaker
	cooldown      time.Duration
	logger        observability.Logger
	stateCallback StateFunc
}

// Option is a functional option for configuring a breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithStateCallback sets a callback invoked on state transitions.
func WithStateCallback(fn StateFunc) Option {
	return func(b *Breaker) {
		b.stateCallback = fn
	}
}

// New creates a breaker that opens after maxFailures consecutive
// failures and stays open for the cooldown. In half-open state exactly
// one request is admitted; its success closes the circuit, its failure
// reopens it.
func New(name string, maxFailures int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		cooldown: cooldown,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if maxFailures <= 0 {
		maxFailures = 1
	}
	failures := uint32(maxFailures)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			GetMetrics().transitions.WithLabelValues(name, from.String(), to.String()).Inc()
			GetMetrics().stateGauge.WithLabelValues(name).Set(stateValue(to))

			_, span := cbTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()

			if b.stateCallback != nil {
				b.stateCallback(name, from, to)
			}
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn under breaker protection. When the circuit is open it
// returns a CircuitOpenError carrying the cooldown as the retry hint
// without invoking fn.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, util.NewCircuitOpenError(b.cb.Name(), b.cooldown)
	}
	return result, err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// Cooldown returns the configured open duration.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
