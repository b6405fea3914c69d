package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	wantErr := errors.New("persistent")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsShouldRetry(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		ShouldRetry:    func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Config{}, func() error {
		return errors.New("never retried")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoSkipsRetryWhenBudgetExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	cfg := Config{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}

	wantErr := errors.New("transient")
	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		return wantErr
	})

	// The backoff exceeds the remaining deadline, so the error surfaces
	// after the first attempt rather than a ctx timeout after a sleep.
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestDoInvokesOnRetry(t *testing.T) {
	var attempts []int
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			attempts = append(attempts, attempt)
			assert.Error(t, err)
			assert.Greater(t, backoff, time.Duration(0))
		},
	}

	_ = Do(context.Background(), cfg, func() error {
		return errors.New("transient")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   0.5,
	}

	// Jitter keeps each value within [base, base*(1+jitter)].
	for attempt, base := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	} {
		b := cfg.Backoff(attempt)
		assert.GreaterOrEqual(t, b, base, "attempt %d", attempt)
		assert.LessOrEqual(t, b, base+base/2, "attempt %d", attempt)
	}

	// Capped at max regardless of jitter.
	assert.Equal(t, cfg.MaxBackoff, cfg.Backoff(10))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.normalized()
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, DefaultJitterFactor, cfg.JitterFactor)

	over := Config{JitterFactor: 2.0}.normalized()
	assert.Equal(t, MaxJitterFactor, over.JitterFactor)
}
