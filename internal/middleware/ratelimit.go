package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/dispatch"
	"github.com/apirelay/apirelay/internal/metrics"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/util"
)

const (
	clientTTL       = 10 * time.Minute
	cleanupInterval = time.Minute
)

// clientEntry is one client's token bucket and its last activity time.
type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps a token bucket per client key and evicts idle
// clients in the background.
type ClientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewClientLimiter creates a limiter from the rate limit configuration.
func NewClientLimiter(cfg config.RateLimitConfig) *ClientLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	l := &ClientLimiter{
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     burst,
		clients:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	go l.cleanupLoop()
	return l
}

// Allow checks whether the client may proceed. On rejection it returns
// the suggested wait before retrying.
func (l *ClientLimiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	entry, ok := l.clients[client]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	reservation := entry.limiter.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// Close stops the background cleanup.
func (l *ClientLimiter) Close() {
	close(l.stopCh)
	<-l.stoppedCh
}

func (l *ClientLimiter) cleanupLoop() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ClientLimiter) evictIdle() {
	cutoff := time.Now().Add(-clientTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for client, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, client)
		}
	}
}

// size returns the number of tracked clients.
func (l *ClientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimit rejects clients that exceed their per-IP budget with a 429
// carrying a Retry-After hint.
func RateLimit(limiter *ClientLimiter, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		client := c.ClientIP()

		allowed, retryAfter := limiter.Allow(client)
		if allowed {
			c.Next()
			return
		}

		metrics.GetMetrics().RecordRateLimited(client)
		logger.Debug("rate limit exceeded",
			observability.String("client", client),
			observability.String("path", c.Request.URL.Path),
		)

		rateErr := util.NewRateLimitError(int(limiter.rps), retryAfter)
		status, body := dispatch.NewErrorBody(rateErr, c.Request.URL.Path)
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
		c.AbortWithStatusJSON(status, body)
	}
}
