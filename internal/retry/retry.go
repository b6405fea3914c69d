// Package retry runs a function under bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitterFactor   = 0.25

	// MaxJitterFactor caps configured jitter at full-backoff range.
	MaxJitterFactor = 1.0
)

// Config drives Do. Zero-valued fields fall back to the package
// defaults; the two callbacks are optional.
type Config struct {
	// MaxRetries bounds the attempts after the first one.
	MaxRetries int

	// InitialBackoff is the sleep before the first retry; it doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// JitterFactor (0..1] widens each backoff by a random share of
	// itself. Jitter prevents synchronized retry storms.
	JitterFactor float64

	// ShouldRetry filters errors. A nil filter retries everything.
	ShouldRetry func(error) bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// normalized returns a copy with defaults filled in and the jitter
// factor clamped.
func (c Config) normalized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.JitterFactor > MaxJitterFactor {
		c.JitterFactor = MaxJitterFactor
	}
	return c
}

// Backoff returns the jittered sleep preceding the retry of the given
// zero-based attempt.
func (c Config) Backoff(attempt int) time.Duration {
	c = c.normalized()

	backoff := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * c.JitterFactor * rand.Float64()

	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Do runs fn until it succeeds, the retries are exhausted, the
// ShouldRetry filter rejects the error, or the context ends. When the
// context carries a deadline, a retry is skipped if the remaining
// budget would not cover the backoff sleep; the last error is returned
// instead of burning the caller's deadline on a wait that cannot
// complete.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxRetries {
			break
		}

		backoff := cfg.Backoff(attempt)

		if deadline, ok := ctx.Deadline(); ok {
			if time.Until(deadline) <= backoff {
				return lastErr
			}
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}
