package cache

import (
	"context"
	"errors"
	"time"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
)

// ComputeFunc produces a value for GetOrCompute on a miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Tiered coordinates the local and distributed tiers. Reads consult the
// local tier first, then the distributed tier; a distributed-tier failure
// degrades the read to a miss instead of failing the request. Writes go
// to the distributed tier best-effort and always land in the local tier
// with a capped TTL so a stale local copy cannot outlive an invalidation
// for long.
type Tiered struct {
	logger      observability.Logger
	local       Store
	distributed Store
	defaultTTL  time.Duration
	localTTLCap time.Duration
}

// TieredOption is a functional option for the tiered cache.
type TieredOption func(*Tiered)

// WithDistributed attaches the distributed tier.
func WithDistributed(store Store) TieredOption {
	return func(t *Tiered) {
		t.distributed = store
	}
}

// WithTieredLogger sets the logger.
func WithTieredLogger(logger observability.Logger) TieredOption {
	return func(t *Tiered) {
		t.logger = logger
	}
}

// NewTiered creates the two-tier cache. The local tier is always
// present; the distributed tier is optional.
func NewTiered(cfg *config.CacheConfig, opts ...TieredOption) (*Tiered, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	t := &Tiered{
		logger:      observability.NopLogger(),
		defaultTTL:  cfg.DefaultTTL.Duration(),
		localTTLCap: cfg.LocalTTLCap.Duration(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.local = NewLocalStore(cfg.LocalMaxEntries, cfg.DefaultTTL.Duration(), t.logger)

	return t, nil
}

// ttlReader is implemented by stores that can report a value's
// remaining TTL alongside the value.
type ttlReader interface {
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)
}

// Get returns the cached value for key, or ErrCacheMiss. Values found
// only in the distributed tier are backfilled into the local tier with
// the entry's remaining TTL, so the local copy never outlives the TTL
// the writer set.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := t.local.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	if t.distributed == nil {
		return nil, ErrCacheMiss
	}

	value, remaining, err := t.distributedGet(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		// Distributed tier outage: degrade to a miss.
		GetMetrics().fallbacksTotal.Inc()
		t.logger.Warn("distributed cache read failed, treating as miss",
			observability.String("key", key),
			observability.Error(err))
		return nil, ErrCacheMiss
	}

	// An unknown remaining TTL skips the backfill rather than guessing
	// an expiry the writer did not set.
	if remaining > 0 {
		if setErr := t.local.Set(ctx, key, value, t.capLocalTTL(remaining)); setErr != nil {
			t.logger.Debug("local backfill failed",
				observability.String("key", key),
				observability.Error(setErr))
		}
	}

	return value, nil
}

// distributedGet reads from the distributed tier, with the remaining
// TTL when the store can report one.
func (t *Tiered) distributedGet(ctx context.Context, key string) ([]byte, time.Duration, error) {
	if reader, ok := t.distributed.(ttlReader); ok {
		return reader.GetWithTTL(ctx, key)
	}
	value, err := t.distributed.Get(ctx, key)
	return value, 0, err
}

// Set stores a value in both tiers. The distributed write is best-effort;
// the local write applies the TTL cap.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.defaultTTL
	}

	if t.distributed != nil {
		if err := t.distributed.Set(ctx, key, value, ttl); err != nil {
			t.logger.Warn("distributed cache write failed",
				observability.String("key", key),
				observability.Error(err))
		}
	}

	return t.local.Set(ctx, key, value, t.capLocalTTL(ttl))
}

// GetOrCompute returns the cached value or computes and stores it. There
// is no cross-process single flight: concurrent callers may compute the
// value more than once, which is acceptable because computed responses
// are idempotent reads.
func (t *Tiered) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, bool, error) {
	if value, err := t.Get(ctx, key); err == nil {
		return value, true, nil
	}

	value, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}

	if err := t.Set(ctx, key, value, ttl); err != nil {
		t.logger.Warn("cache write after compute failed",
			observability.String("key", key),
			observability.Error(err))
	}

	return value, false, nil
}

// Remove deletes a key from both tiers.
func (t *Tiered) Remove(ctx context.Context, key string) error {
	localErr := t.local.Delete(ctx, key)

	if t.distributed != nil {
		if err := t.distributed.Delete(ctx, key); err != nil {
			t.logger.Warn("distributed cache delete failed",
				observability.String("key", key),
				observability.Error(err))
		}
	}

	return localErr
}

// RemoveByPrefix deletes every key with the prefix from both tiers and
// returns the total number of removed entries. ErrScanLimit from the
// distributed tier is propagated after both tiers were attempted.
func (t *Tiered) RemoveByPrefix(ctx context.Context, prefix string) (int, error) {
	removed, _ := t.local.DeleteByPrefix(ctx, prefix)

	if t.distributed == nil {
		return removed, nil
	}

	n, err := t.distributed.DeleteByPrefix(ctx, prefix)
	removed += n
	if err != nil && !errors.Is(err, ErrScanLimit) {
		t.logger.Warn("distributed prefix delete failed",
			observability.String("prefix", prefix),
			observability.Error(err))
		return removed, nil
	}

	return removed, err
}

// Ping reports distributed tier reachability. A cache without a
// distributed tier is always reachable.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.distributed == nil {
		return nil
	}
	return t.distributed.Ping(ctx)
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	err := t.local.Close()
	if t.distributed != nil {
		if derr := t.distributed.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

func (t *Tiered) capLocalTTL(ttl time.Duration) time.Duration {
	if t.localTTLCap > 0 && (ttl == 0 || ttl > t.localTTLCap) {
		return t.localTTLCap
	}
	return ttl
}
