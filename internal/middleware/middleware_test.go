package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDGenerated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())

	var captured string
	router.GET("/x", func(c *gin.Context) {
		captured = GetRequestID(c)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPropagated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())

	var fromCtx string
	router.GET("/x", func(c *gin.Context) {
		fromCtx = observability.RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", fromCtx)
}

func TestRecoveryReturns500(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(observability.NopLogger()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal")
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestAccessLogSkipPaths(t *testing.T) {
	router := gin.New()
	router.Use(AccessLogWithConfig(AccessLogConfig{
		Logger:    observability.NopLogger(),
		SkipPaths: []string{"/health/live"},
	}))
	router.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func newTestLimiter(t *testing.T, rps float64, burst int) *ClientLimiter {
	t.Helper()
	l := NewClientLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: rps,
		Burst:             burst,
	})
	t.Cleanup(l.Close)
	return l
}

func TestClientLimiterAllow(t *testing.T) {
	l := newTestLimiter(t, 1, 2)

	allowed, _ := l.Allow("10.0.0.1")
	assert.True(t, allowed)
	allowed, _ = l.Allow("10.0.0.1")
	assert.True(t, allowed)

	// Bucket drained.
	allowed, retryAfter := l.Allow("10.0.0.1")
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A different client has its own bucket.
	allowed, _ = l.Allow("10.0.0.2")
	assert.True(t, allowed)
}

func TestClientLimiterEviction(t *testing.T) {
	l := newTestLimiter(t, 100, 10)

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	require.Equal(t, 2, l.size())

	// Age the entries past the TTL and trigger a cleanup pass.
	l.mu.Lock()
	for _, entry := range l.clients {
		entry.lastSeen = time.Now().Add(-clientTTL - time.Minute)
	}
	l.mu.Unlock()
	l.evictIdle()

	assert.Equal(t, 0, l.size())
}

func TestRateLimitMiddleware(t *testing.T) {
	l := newTestLimiter(t, 1, 1)

	router := gin.New()
	router.Use(RateLimit(l, observability.NopLogger()))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RateLimited")
	assert.Contains(t, rec.Body.String(), "retryAfter")
}
