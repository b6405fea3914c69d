// Package resilience wraps outbound backend calls with per-attempt
// timeouts, bounded retries, and per-backend circuit breakers. Every
// real call feeds a passive health signal back to the backend registry.
package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apirelay/apirelay/internal/circuitbreaker"
	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/registry"
	"github.com/apirelay/apirelay/internal/retry"
	"github.com/apirelay/apirelay/internal/util"
)

// Request describes one outbound call. Body is held in memory so the
// call can be replayed across retry attempts.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// RetrySafe marks a non-idempotent method as explicitly safe to
	// retry. GET and HEAD are always retry-safe.
	RetrySafe bool
}

// Result is a fully buffered upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Executor performs outbound calls with resilience semantics.
type Executor struct {
	attemptTimeout time.Duration
	maxRetries     int
	retryCfg       retry.Config

	breakers *circuitbreaker.Registry
	backends *registry.Registry
	client   *http.Client
	logger   observability.Logger
}

// Option is a functional option for the executor.
type Option func(*Executor)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.client = client
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor from the resilience configuration.
func NewExecutor(
	cfg config.ResilienceConfig,
	breakers *circuitbreaker.Registry,
	backends *registry.Registry,
	opts ...Option,
) *Executor {
	attemptTimeout := cfg.AttemptTimeout.Duration()
	if attemptTimeout <= 0 {
		attemptTimeout = config.DefaultAttemptTimeout
	}
	initialBackoff := cfg.InitialBackoff.Duration()
	if initialBackoff <= 0 {
		initialBackoff = config.DefaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff.Duration()
	if maxBackoff <= 0 {
		maxBackoff = config.DefaultMaxBackoff
	}

	e := &Executor{
		attemptTimeout: attemptTimeout,
		maxRetries:     cfg.MaxRetries,
		retryCfg: retry.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: initialBackoff,
			MaxBackoff:     maxBackoff,
		},
		breakers: breakers,
		backends: backends,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		e.client = &http.Client{
			// The per-attempt context enforces the timeout; the client
			// itself stays unbounded so it never races the context.
			Timeout: 0,
		}
	}

	return e
}

// upstreamStatusError carries a 5xx response through the breaker so it
// counts as a failure while still reaching the client verbatim.
type upstreamStatusError struct {
	result *Result
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.result.StatusCode)
}

// Do executes the request against the endpoint. Timeouts and transport
// errors are retried with exponential backoff for retry-safe requests,
// bounded by the attempt budget and the caller's deadline. A 5xx
// response counts against the breaker and the health registry but is
// returned verbatim, not as an error.
func (e *Executor) Do(ctx context.Context, ep *registry.Endpoint, req *Request) (*Result, error) {
	breaker := e.breakers.GetOrCreate(breakerName(ep))
	retrySafe := e.isRetrySafe(req)

	var result *Result
	attempts := 0

	attemptFn := func() error {
		attempts++
		value, err := breaker.Execute(func() (interface{}, error) {
			res, err := e.attempt(ctx, ep, req)
			if err != nil {
				e.backends.ReportOutcome(ep.Service, ep.Name, false)
				return nil, err
			}
			if res.StatusCode >= 500 {
				e.backends.ReportOutcome(ep.Service, ep.Name, false)
				return nil, &upstreamStatusError{result: res}
			}
			e.backends.ReportOutcome(ep.Service, ep.Name, true)
			return res, nil
		})
		if err != nil {
			return err
		}
		result = value.(*Result)
		return nil
	}

	var err error
	if retrySafe && e.maxRetries > 0 {
		retryCfg := e.retryCfg
		retryCfg.ShouldRetry = util.IsRetryable
		retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			e.logger.Debug("retrying upstream call",
				observability.String("service", ep.Service),
				observability.String("endpoint", ep.Name),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		}
		err = retry.Do(ctx, retryCfg, attemptFn)
	} else {
		err = attemptFn()
	}

	if err != nil {
		var statusErr *upstreamStatusError
		if errors.As(err, &statusErr) {
			statusErr.result.Attempts = attempts
			return statusErr.result, nil
		}
		return nil, err
	}

	result.Attempts = attempts
	return result, nil
}

// attempt performs a single upstream call under the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, ep *registry.Endpoint, req *Request) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, buildURL(ep.BaseURL, req.Path, req.Query), body)
	if err != nil {
		return nil, util.NewBackendError(ep.Name, "building upstream request", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.classify(ctx, ep, err, time.Since(start))
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.classify(ctx, ep, err, time.Since(start))
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
	}, nil
}

// classify maps a transport-level failure to the gateway error taxonomy.
func (e *Executor) classify(ctx context.Context, ep *registry.Endpoint, err error, elapsed time.Duration) error {
	// Caller cancellation is not a backend fault.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return util.NewTimeoutError(breakerName(ep), elapsed, err)
	}
	return util.NewBackendError(ep.Name, "upstream request failed", err)
}

func (e *Executor) isRetrySafe(req *Request) bool {
	if req.RetrySafe {
		return true
	}
	switch strings.ToUpper(req.Method) {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

func breakerName(ep *registry.Endpoint) string {
	return ep.Service + "/" + ep.Name
}

func buildURL(base, path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(base, "/"))
	if !strings.HasPrefix(path, "/") {
		b.WriteString("/")
	}
	b.WriteString(path)
	if len(query) > 0 {
		b.WriteString("?")
		b.WriteString(query.Encode())
	}
	return b.String()
}
