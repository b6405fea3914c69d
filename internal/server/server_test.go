package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apirelay/apirelay/internal/authz"
	"github.com/apirelay/apirelay/internal/cache"
	"github.com/apirelay/apirelay/internal/circuitbreaker"
	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/dispatch"
	"github.com/apirelay/apirelay/internal/health"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/registry"
	"github.com/apirelay/apirelay/internal/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const serverTestSecret = "server-test-secret"

type serverEnv struct {
	server   *Server
	backends *registry.Registry
	calls    atomic.Int64
	backend  *httptest.Server
}

// newServerEnv wires the full gateway stack in front of a single fake
// backend and returns the assembled server.
func newServerEnv(t *testing.T, handler http.HandlerFunc, mutate func(*config.Config)) *serverEnv {
	t.Helper()

	env := &serverEnv{}
	env.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(env.backend.Close)

	cfg := config.DefaultConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, Secret: serverTestSecret}
	cfg.Services = []config.ServiceConfig{{
		Name:      "users",
		Endpoints: []config.EndpointConfig{{Name: "ep0", URL: env.backend.URL}},
	}}
	cfg.Routes = []config.RouteRule{
		{
			Service:       "users",
			Methods:       []string{"GET", "POST", "PUT", "DELETE"},
			PathPrefix:    "/api/admin",
			RequiresAuth:  true,
			RequiredRoles: []string{"admin"},
		},
		{
			Service:    "users",
			Methods:    []string{"GET", "POST", "PUT", "DELETE"},
			PathPrefix: "/api",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	backends, err := registry.New(cfg.Services, cfg.Health,
		registry.WithLogger(observability.NopLogger()))
	require.NoError(t, err)
	env.backends = backends

	breakers := circuitbreaker.NewRegistry(cfg.Resilience.Breaker, observability.NopLogger())
	executor := resilience.NewExecutor(cfg.Resilience, breakers, backends,
		resilience.WithLogger(observability.NopLogger()))

	tiered, err := cache.NewTiered(&config.CacheConfig{
		Enabled:         true,
		DefaultTTL:      config.Duration(time.Minute),
		LocalMaxEntries: 1000,
		LocalTTLCap:     config.Duration(time.Minute),
	}, cache.WithTieredLogger(observability.NopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tiered.Close() })

	dispatcher := dispatch.New(
		authz.New(cfg.Routes, cfg.Services),
		backends,
		executor,
		dispatch.WithCache(tiered),
		dispatch.WithLogger(observability.NopLogger()),
	)

	checker := health.NewChecker()
	checker.RegisterCheck("backends:users", health.BackendCheck(backends, "users"))

	parser, err := authz.NewTokenParser(cfg.Auth, observability.NopLogger())
	require.NoError(t, err)

	env.server = New(cfg, dispatcher, checker,
		WithCache(tiered),
		WithTokenParser(parser),
		WithLogger(observability.NopLogger()),
	)
	return env
}

func okBackend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"id":1}`))
}

func (env *serverEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func translateBody(t *testing.T, req *dispatch.TranslateRequest) *bytes.Reader {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(payload)
}

func signedToken(t *testing.T, roles ...string) string {
	t.Helper()
	builder := jwt.NewBuilder().
		Subject("alice").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if len(roles) > 0 {
		builder = builder.Claim("roles", roles)
	}
	tok, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(serverTestSecret)))
	require.NoError(t, err)
	return string(signed)
}

func TestTranslateEndpoint(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	body := translateBody(t, &dispatch.TranslateRequest{
		Service: "users", Method: "GET", Path: "/api/users/1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/translate", body)
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	// The response carries only backend headers, nothing gateway-added.
	assert.Empty(t, rec.Header().Get("X-Cache"))

	// The repeat GET is served from cache without a second backend call.
	req = httptest.NewRequest(http.MethodPost, "/api/translate", translateBody(t, &dispatch.TranslateRequest{
		Service: "users", Method: "GET", Path: "/api/users/1",
	}))
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), env.calls.Load())
}

func TestTranslateRejectsMalformedJSON(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/translate",
		bytes.NewReader([]byte(`{"service":`)))
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidRequest")
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestDirectForm(t *testing.T) {
	env := newServerEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/1", r.URL.Path)
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tag"])
		assert.Equal(t, "kept", r.Header.Get("X-Custom"))
		assert.Empty(t, r.Header.Get("Authorization"))
		okBackend(w, r)
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/services/users/api/users/1?tag=a&tag=b", nil)
	req.Header.Set("X-Custom", "kept")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())
}

func TestDirectFormUnknownService(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/services/billing/api/invoices", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body dispatch.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, dispatch.CodeRouteNotFound, body.Error)
	assert.Equal(t, "/services/billing/api/invoices", body.Path)
	assert.False(t, body.Timestamp.IsZero())
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestProtectedRouteAuthFlow(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)
	path := "/services/users/api/admin/settings"

	// Anonymous callers are rejected before reaching the backend.
	rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unauthorized")

	// A malformed Authorization header is rejected outright.
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A token signed with the wrong key is rejected.
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid token without the required role is forbidden.
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "viewer"))
	rec = env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Forbidden")

	// The admin role passes through.
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "admin"))
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), env.calls.Load())
}

func TestLivenessAlwaysUp(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	// Mark the only backend down; liveness must not care.
	for i := 0; i < config.DefaultFailureThreshold; i++ {
		env.backends.ReportOutcome("users", "ep0", false)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Healthy"`)
}

func TestReadinessReflectsBackends(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ready health.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, health.StatusHealthy, ready.Status)
	require.Contains(t, ready.Entries, "backends:users")

	for i := 0; i < config.DefaultFailureThreshold; i++ {
		env.backends.ReportOutcome("users", "ep0", false)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Unhealthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	// Generate one dispatched request so the counters have a sample.
	env.do(httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apirelay_")
}

func TestCacheInvalidateEndpoint(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	get := httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil)
	rec := env.do(get)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/cache/users", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	// The invalidated entry is fetched from the backend again.
	rec = env.do(httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), env.calls.Load())
}

func TestCacheInvalidateUnknownService(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/cache/billing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "RouteNotFound")
}

func TestNoHealthyBackendResponse(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	for i := 0; i < config.DefaultFailureThreshold; i++ {
		env.backends.ReportOutcome("users", "ep0", false)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NoHealthyBackend")
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestUpstreamErrorPassesThrough(t *testing.T) {
	env := newServerEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "present")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail":"backend says no"}`))
	}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil))

	// The upstream status and body pass through verbatim.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "present", rec.Header().Get("X-Upstream"))
	assert.JSONEq(t, `{"detail":"backend says no"}`, rec.Body.String())
}

func TestNoRouteReturnsErrorBody(t *testing.T) {
	env := newServerEnv(t, okBackend, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body dispatch.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, dispatch.CodeRouteNotFound, body.Error)
	assert.Equal(t, "/nope", body.Path)
}

func TestRateLimitedResponse(t *testing.T) {
	env := newServerEnv(t, okBackend, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             1,
		}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
	})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/services/users/api/users/1", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RateLimited")
}
