// Package dispatch orchestrates the gateway pipeline: authorize, try
// the cache, pick a healthy backend, execute with resilience, write
// back to the cache, and record metrics.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apirelay/apirelay/internal/authz"
	"github.com/apirelay/apirelay/internal/cache"
	"github.com/apirelay/apirelay/internal/metrics"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/registry"
	"github.com/apirelay/apirelay/internal/resilience"
	"github.com/apirelay/apirelay/internal/util"
)

// dispatchTracerName is the OpenTelemetry tracer name for the pipeline.
const dispatchTracerName = "apirelay/dispatch"

// Response is the outcome of a dispatched request, passed through to
// the client verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	CacheHit   bool
}

// cachedResponse is the serialized form of a response in the cache.
type cachedResponse struct {
	StatusCode int                 `json:"statusCode"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
}

// Dispatcher coordinates the request pipeline.
type Dispatcher struct {
	authorizer *authz.Authorizer
	cache      *cache.Tiered
	backends   *registry.Registry
	executor   *resilience.Executor
	defaultTTL time.Duration
	logger     observability.Logger
}

// Option is a functional option for the dispatcher.
type Option func(*Dispatcher)

// WithCache enables response caching.
func WithCache(tiered *cache.Tiered) Option {
	return func(d *Dispatcher) {
		d.cache = tiered
	}
}

// WithDefaultTTL sets the cache TTL used when a request carries none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.defaultTTL = ttl
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a dispatcher.
func New(
	authorizer *authz.Authorizer,
	backends *registry.Registry,
	executor *resilience.Executor,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		authorizer: authorizer,
		backends:   backends,
		executor:   executor,
		defaultTTL: 5 * time.Minute,
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch runs the pipeline for one request. The principal may be nil
// for anonymous callers. Errors carry the gateway taxonomy; backend
// non-2xx responses are not errors and pass through verbatim.
func (d *Dispatcher) Dispatch(ctx context.Context, req *TranslateRequest, principal *authz.Principal) (*Response, error) {
	ctx, span := otel.Tracer(dispatchTracerName).Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("service", req.Service),
			attribute.String("http.method", req.Method),
		),
	)
	defer span.End()

	start := time.Now()

	resp, err := d.dispatch(ctx, req, principal)

	status := 0
	if err != nil {
		status, _ = NewErrorBody(err, req.Path)
		span.RecordError(err)
	} else {
		status = resp.StatusCode
		span.SetAttributes(attribute.Bool("cache.hit", resp.CacheHit))
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	metrics.GetMetrics().RecordRequest(req.Service, req.Method, status, time.Since(start))

	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *TranslateRequest, principal *authz.Principal) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	decision := d.authorizer.Authorize(req.Service, req.Method, req.Path, principal)
	if !decision.Allowed {
		return nil, denialError(decision, req)
	}

	cacheEligible := d.cache != nil && req.CacheEligible()
	var key string
	if cacheEligible {
		key = cache.BuildKey(req.Service, req.Method, req.Path, req.QueryValues())
		if resp := d.cacheLookup(ctx, key); resp != nil {
			metrics.GetMetrics().RecordCacheHit(req.Service, req.Method)
			return resp, nil
		}
		metrics.GetMetrics().RecordCacheMiss(req.Service, req.Method)
	}

	endpoint, err := d.backends.SelectHealthy(req.Service)
	if err != nil {
		return nil, err
	}

	result, err := d.executor.Do(ctx, endpoint, &resilience.Request{
		Method: req.Method,
		Path:   req.Path,
		Query:  req.QueryValues(),
		Header: req.HeaderValues(),
		Body:   req.Body,
	})
	if err != nil {
		return nil, err
	}

	metrics.GetMetrics().RecordRetries(req.Service, req.Method, result.Attempts-1)

	resp := &Response{
		StatusCode: result.StatusCode,
		Header:     sanitizeHeader(result.Header),
		Body:       result.Body,
	}

	if isCacheableStatus(result.StatusCode) {
		if cacheEligible {
			d.cacheStore(ctx, key, resp, req.CacheTTL)
		}
		if req.IsWriteVerb() {
			d.invalidateNamespace(ctx, req.Service)
		}
	}

	return resp, nil
}

// denialError maps an authorization decision to the error taxonomy.
func denialError(decision authz.Decision, req *TranslateRequest) error {
	switch decision.Reason {
	case authz.ReasonUnauthorized:
		return util.ErrUnauthorized
	case authz.ReasonForbidden:
		return util.ErrForbidden
	default:
		return util.NewRouteNotFoundError(req.Service, req.Method, req.Path)
	}
}

// cacheLookup returns a cached response, or nil on any miss. Cache
// faults never surface here.
func (d *Dispatcher) cacheLookup(ctx context.Context, key string) *Response {
	payload, err := d.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			d.logger.Warn("cache lookup failed", observability.Error(err))
		}
		return nil
	}

	var cached cachedResponse
	if err := json.Unmarshal(payload, &cached); err != nil {
		d.logger.Warn("dropping undecodable cache entry",
			observability.String("key", key),
			observability.Error(err),
		)
		_ = d.cache.Remove(ctx, key)
		return nil
	}

	return &Response{
		StatusCode: cached.StatusCode,
		Header:     http.Header(cached.Header),
		Body:       cached.Body,
		CacheHit:   true,
	}
}

// cacheStore writes a successful response through to the cache.
func (d *Dispatcher) cacheStore(ctx context.Context, key string, resp *Response, ttlSeconds int) {
	ttl := d.defaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	payload, err := json.Marshal(cachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	})
	if err != nil {
		d.logger.Warn("encoding response for cache failed", observability.Error(err))
		return
	}

	if err := d.cache.Set(ctx, key, payload, ttl); err != nil {
		d.logger.Warn("cache write failed",
			observability.String("key", key),
			observability.Error(err),
		)
	}
}

// invalidateNamespace drops every cached entry of the service after a
// successful write verb.
func (d *Dispatcher) invalidateNamespace(ctx context.Context, service string) {
	if d.cache == nil {
		return
	}

	removed, err := d.cache.RemoveByPrefix(ctx, cache.Namespace(service))
	if err != nil {
		if errors.Is(err, cache.ErrScanLimit) {
			d.logger.Warn("cache invalidation hit scan limit",
				observability.String("service", service),
				observability.Int("removed", removed),
			)
			return
		}
		d.logger.Warn("cache invalidation failed",
			observability.String("service", service),
			observability.Error(err),
		)
		return
	}

	d.logger.Debug("invalidated cache namespace",
		observability.String("service", service),
		observability.Int("removed", removed),
	)
}

// isCacheableStatus limits write-through and invalidation to success
// responses.
func isCacheableStatus(status int) bool {
	return status >= 200 && status < 300
}

// hopByHopHeaders never propagate between hops.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// sanitizeHeader clones the upstream header with hop-by-hop fields
// removed.
func sanitizeHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}
