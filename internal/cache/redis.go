package cache

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/retry"
)

// scanBatchSize is the COUNT hint passed to SCAN during prefix deletes.
const scanBatchSize = 256

// retryConfig builds the retry policy for one Redis operation.
// Transient failures are retried with short backoff; misses and
// context errors surface immediately.
func (s *redisStore) retryConfig(op, key string) retry.Config {
	return retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
		ShouldRetry:    isRetryableRedisError,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Debug("retrying redis "+op,
				observability.String("key", key),
				observability.Int("attempt", attempt))
		},
	}
}

// isRetryableRedisError checks if the error is retryable.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	// Cache misses and context errors must surface immediately.
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// redisStore is the distributed cache tier.
type redisStore struct {
	logger      observability.Logger
	client      *redis.Client
	keyPrefix   string
	defaultTTL  time.Duration
	ttlJitter   float64
	maxScanKeys int

	hits   int64
	misses int64
}

// NewRedisStore creates the distributed tier from configuration and
// verifies connectivity with a ping.
func NewRedisStore(cfg *config.CacheConfig, logger observability.Logger) (Store, error) {
	if cfg == nil || cfg.Redis.URL == "" {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, errors.New("invalid redis URL: " + err.Error())
	}

	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.DialTimeout > 0 {
		opts.DialTimeout = cfg.Redis.DialTimeout.Duration()
	}
	if cfg.Redis.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.Redis.ReadTimeout.Duration()
	}
	if cfg.Redis.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.Redis.WriteTimeout.Duration()
	}

	client := redis.NewClient(opts)

	if err := pingRedis(client); err != nil {
		_ = client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	maxScanKeys := cfg.Redis.MaxScanKeys
	if maxScanKeys <= 0 {
		maxScanKeys = config.DefaultMaxScanKeys
	}

	s := &redisStore{
		logger:      logger,
		client:      client,
		keyPrefix:   resolveKeyPrefix(cfg.Redis.KeyPrefix),
		defaultTTL:  cfg.DefaultTTL.Duration(),
		ttlJitter:   cfg.Redis.TTLJitter,
		maxScanKeys: maxScanKeys,
	}

	logger.Info("redis cache tier initialized",
		observability.String("keyPrefix", s.keyPrefix),
		observability.Duration("defaultTTL", s.defaultTTL),
		observability.Float64("ttlJitter", s.ttlJitter),
		observability.Int("maxScanKeys", s.maxScanKeys))

	return s, nil
}

// pingRedis tests the Redis connection with a timeout.
func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// resolveKeyPrefix returns the key prefix, defaulting to "apirelay:".
func resolveKeyPrefix(prefix string) string {
	if prefix == "" {
		return "apirelay:"
	}
	return prefix
}

// applyTTLJitter adds random jitter to a TTL value to prevent synchronized
// expiry. jitterFactor 0.1 means the TTL varies by up to ±10%.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // G404: TTL jitter does not require cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	result := ttl + jitter
	if result <= 0 {
		return ttl
	}
	return result
}

func (s *redisStore) resolveKey(key string) string {
	return s.keyPrefix + key
}

// Get retrieves a value with exponential backoff retry.
func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.tier", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "get",
		).Observe(time.Since(start).Seconds())
	}()

	fullKey := s.resolveKey(key)

	var result []byte

	err := retry.Do(ctx, s.retryConfig("get", key), func() error {
		val, getErr := s.client.Get(ctx, fullKey).Bytes()
		if getErr != nil {
			return getErr
		}
		result = val
		return nil
	})

	if err == nil {
		atomic.AddInt64(&s.hits, 1)
		GetMetrics().hitsTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Int("cache.value_size", len(result)),
		)
		return result, nil
	}

	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	GetMetrics().errorsTotal.WithLabelValues("redis", "get").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return nil, err
}

// GetWithTTL retrieves a value together with its remaining TTL so the
// local tier can be backfilled without extending the writer's expiry.
// The GET and PTTL run in one pipeline; a remaining TTL of zero means
// the key carried no usable expiry.
func (s *redisStore) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.GetWithTTL",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.tier", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "get",
		).Observe(time.Since(start).Seconds())
	}()

	fullKey := s.resolveKey(key)

	var result []byte
	var remaining time.Duration

	err := retry.Do(ctx, s.retryConfig("get", key), func() error {
		pipe := s.client.Pipeline()
		getCmd := pipe.Get(ctx, fullKey)
		ttlCmd := pipe.PTTL(ctx, fullKey)
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return execErr
		}

		val, getErr := getCmd.Bytes()
		if getErr != nil {
			return getErr
		}
		result = val
		remaining = ttlCmd.Val()
		return nil
	})

	if err == nil {
		atomic.AddInt64(&s.hits, 1)
		GetMetrics().hitsTotal.WithLabelValues("redis").Inc()
		// PTTL reports negative values for keys without an expiry or
		// keys that vanished between the two pipeline commands.
		if remaining < 0 {
			remaining = 0
		}
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Int("cache.value_size", len(result)),
		)
		return result, remaining, nil
	}

	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, 0, ErrCacheMiss
	}

	GetMetrics().errorsTotal.WithLabelValues("redis", "get").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return nil, 0, err
}

// Set stores a value with exponential backoff retry.
func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.tier", "redis"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "set",
		).Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = s.defaultTTL
	}
	ttl = applyTTLJitter(ttl, s.ttlJitter)

	fullKey := s.resolveKey(key)

	err := retry.Do(ctx, s.retryConfig("set", key), func() error {
		return s.client.Set(ctx, fullKey, value, ttl).Err()
	})

	if err == nil {
		return nil
	}

	GetMetrics().errorsTotal.WithLabelValues("redis", "set").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis set failed",
		observability.String("key", key),
		observability.Error(err))
	return err
}

// Delete removes a value with exponential backoff retry.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Delete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.tier", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "delete",
		).Observe(time.Since(start).Seconds())
	}()

	fullKey := s.resolveKey(key)

	err := retry.Do(ctx, s.retryConfig("delete", key), func() error {
		return s.client.Del(ctx, fullKey).Err()
	})

	if err != nil {
		GetMetrics().errorsTotal.WithLabelValues("redis", "delete").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis delete failed",
			observability.String("key", key),
			observability.Error(err))
	}

	return err
}

// DeleteByPrefix removes keys matching the prefix using SCAN batches.
// The walk stops once maxScanKeys keys have been examined; keys found up
// to that point are still deleted and ErrScanLimit is returned so the
// caller knows the invalidation may be partial.
func (s *redisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.DeleteByPrefix",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.tier", "redis"),
			attribute.String("cache.prefix", prefix),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "delete_prefix",
		).Observe(time.Since(start).Seconds())
	}()

	pattern := s.resolveKey(prefix) + "*"

	var (
		cursor  uint64
		scanned int
		deleted int
	)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			GetMetrics().errorsTotal.WithLabelValues("redis", "delete_prefix").Inc()
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			s.logger.Error("redis scan failed",
				observability.String("prefix", prefix),
				observability.Error(err))
			return deleted, err
		}

		if len(keys) > 0 {
			n, delErr := s.client.Del(ctx, keys...).Result()
			if delErr != nil {
				GetMetrics().errorsTotal.WithLabelValues("redis", "delete_prefix").Inc()
				span.SetStatus(codes.Error, delErr.Error())
				span.RecordError(delErr)
				return deleted, delErr
			}
			deleted += int(n)
		}

		scanned += len(keys)
		if scanned >= s.maxScanKeys {
			s.logger.Warn("prefix delete reached scan limit",
				observability.String("prefix", prefix),
				observability.Int("scanned", scanned),
				observability.Int("deleted", deleted))
			span.SetAttributes(attribute.Bool("cache.scan_limited", true))
			return deleted, ErrScanLimit
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("cache.deleted", deleted))
	s.logger.Debug("redis prefix delete",
		observability.String("prefix", prefix),
		observability.Int("deleted", deleted))

	return deleted, nil
}

// Ping reports whether the Redis tier is reachable.
func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// Stats returns hit statistics for the Redis tier.
func (s *redisStore) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
	}
}
