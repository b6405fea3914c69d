// Package cache provides the two-tier response cache for the gateway.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrScanLimit indicates that a prefix delete stopped early because
	// it reached the configured scan bound.
	ErrScanLimit = errors.New("prefix scan limit exceeded")
)

// Store is a single cache tier.
type Store interface {
	// Get retrieves a value. Returns ErrCacheMiss if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A TTL of 0 uses the
	// store's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key sharing the prefix and returns
	// the number of keys removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Ping reports whether the tier is reachable.
	Ping(ctx context.Context) error

	// Close releases the tier's resources.
	Close() error
}

// StatsProvider is implemented by tiers that track hit statistics.
type StatsProvider interface {
	Stats() Stats
}

// Stats contains per-tier hit statistics.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
