package resilience

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apirelay/apirelay/internal/circuitbreaker"
	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/registry"
	"github.com/apirelay/apirelay/internal/util"
)

func testResilienceConfig() config.ResilienceConfig {
	return config.ResilienceConfig{
		AttemptTimeout: config.Duration(200 * time.Millisecond),
		MaxRetries:     2,
		InitialBackoff: config.Duration(5 * time.Millisecond),
		MaxBackoff:     config.Duration(20 * time.Millisecond),
		Breaker: config.BreakerConfig{
			MaxFailures: 5,
			Cooldown:    config.Duration(time.Minute),
		},
	}
}

func newTestExecutor(t *testing.T, cfg config.ResilienceConfig, backendURL string) (*Executor, *registry.Registry) {
	t.Helper()

	backends, err := registry.New(
		[]config.ServiceConfig{{
			Name:      "users",
			Endpoints: []config.EndpointConfig{{Name: "ep0", URL: backendURL}},
		}},
		config.HealthConfig{FailureThreshold: 3},
		registry.WithLogger(observability.NopLogger()),
	)
	require.NoError(t, err)

	breakers := circuitbreaker.NewRegistry(cfg.Breaker, observability.NopLogger())
	executor := NewExecutor(cfg, breakers, backends, WithLogger(observability.NopLogger()))
	return executor, backends
}

func TestDoSuccess(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/users/1", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("page"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("X-Backend", "ep0")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer backend.Close()

	executor, backends := newTestExecutor(t, testResilienceConfig(), backend.URL)
	ep := backends.Endpoints("users")[0]

	result, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodGet,
		Path:   "/api/users/1",
		Query:  url.Values{"page": {"42"}},
		Header: http.Header{"User-Agent": {"test-agent"}},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, []byte(`{"id":1}`), result.Body)
	assert.Equal(t, "ep0", result.Header.Get("X-Backend"))
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 0, ep.ConsecutiveFailures())
}

func TestDoRetriesTransportError(t *testing.T) {
	// Nothing listens on this address.
	executor, backends := newTestExecutor(t, testResilienceConfig(), "http://127.0.0.1:1")
	ep := backends.Endpoints("users")[0]

	_, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodGet,
		Path:   "/api/users",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrBackendUnavail)

	// Initial attempt plus two retries, each reported as a failure.
	assert.Equal(t, 3, ep.ConsecutiveFailures())
}

func TestDoDoesNotRetryNonIdempotent(t *testing.T) {
	executor, backends := newTestExecutor(t, testResilienceConfig(), "http://127.0.0.1:1")
	ep := backends.Endpoints("users")[0]

	_, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodPost,
		Path:   "/api/users",
		Body:   []byte(`{"name":"x"}`),
	})
	require.Error(t, err)
	assert.Equal(t, 1, ep.ConsecutiveFailures())
}

func TestDoRetrySafeOverride(t *testing.T) {
	executor, backends := newTestExecutor(t, testResilienceConfig(), "http://127.0.0.1:1")
	ep := backends.Endpoints("users")[0]

	_, err := executor.Do(context.Background(), ep, &Request{
		Method:    http.MethodPost,
		Path:      "/api/users",
		RetrySafe: true,
	})
	require.Error(t, err)
	assert.Equal(t, 3, ep.ConsecutiveFailures())
}

func TestDoTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer backend.Close()

	cfg := testResilienceConfig()
	cfg.AttemptTimeout = config.Duration(20 * time.Millisecond)
	cfg.MaxRetries = 0

	executor, backends := newTestExecutor(t, cfg, backend.URL)
	ep := backends.Endpoints("users")[0]

	_, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodGet,
		Path:   "/slow",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrTimeout)

	var timeoutErr *util.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestDoServerErrorPassesThrough(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("backend exploded"))
	}))
	defer backend.Close()

	executor, backends := newTestExecutor(t, testResilienceConfig(), backend.URL)
	ep := backends.Endpoints("users")[0]

	result, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodGet,
		Path:   "/api/users",
	})
	require.NoError(t, err)

	// The response reaches the caller verbatim and is not retried,
	// but it still counts as a failure for health tracking.
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	assert.Equal(t, []byte("backend exploded"), result.Body)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, ep.ConsecutiveFailures())
}

func TestDoClientErrorIsSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	executor, backends := newTestExecutor(t, testResilienceConfig(), backend.URL)
	ep := backends.Endpoints("users")[0]

	result, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodGet,
		Path:   "/api/users/999",
	})
	require.NoError(t, err)

	// A 4xx is the backend answering correctly, not a fault.
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Equal(t, 0, ep.ConsecutiveFailures())
}

func TestDoCircuitOpens(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	cfg := testResilienceConfig()
	cfg.Breaker.MaxFailures = 2
	cfg.Breaker.Cooldown = config.Duration(time.Minute)

	executor, backends := newTestExecutor(t, cfg, backend.URL)
	ep := backends.Endpoints("users")[0]

	for i := 0; i < 2; i++ {
		_, err := executor.Do(context.Background(), ep, &Request{
			Method: http.MethodGet,
			Path:   "/api/users",
		})
		require.NoError(t, err)
	}
	callsBefore := calls.Load()

	// The circuit is open; the next call never reaches the network.
	_, err := executor.Do(context.Background(), ep, &Request{
		Method: http.MethodGet,
		Path:   "/api/users",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrCircuitOpen)

	var openErr *util.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
	assert.Equal(t, callsBefore, calls.Load())
}

func TestDoRespectsCallerDeadline(t *testing.T) {
	cfg := testResilienceConfig()
	cfg.InitialBackoff = config.Duration(500 * time.Millisecond)

	executor, backends := newTestExecutor(t, cfg, "http://127.0.0.1:1")
	ep := backends.Endpoints("users")[0]

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := executor.Do(ctx, ep, &Request{
		Method: http.MethodGet,
		Path:   "/api/users",
	})
	require.Error(t, err)

	// The backoff would overrun the deadline, so no retry happened.
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, 1, ep.ConsecutiveFailures())
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		path  string
		query url.Values
		want  string
	}{
		{
			name: "plain",
			base: "http://backend:8080",
			path: "/api/users",
			want: "http://backend:8080/api/users",
		},
		{
			name: "trailing slash on base",
			base: "http://backend:8080/",
			path: "/api/users",
			want: "http://backend:8080/api/users",
		},
		{
			name: "missing leading slash on path",
			base: "http://backend:8080",
			path: "api/users",
			want: "http://backend:8080/api/users",
		},
		{
			name:  "query encoded",
			base:  "http://backend:8080",
			path:  "/api/users",
			query: url.Values{"page": {"2"}, "limit": {"10"}},
			want:  "http://backend:8080/api/users?limit=10&page=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildURL(tt.base, tt.path, tt.query))
		})
	}
}
