package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
)

// setupMiniRedis starts an in-process Redis server for testing.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	return mr, mr.Close
}

func redisTestConfig(addr string) *config.CacheConfig {
	return &config.CacheConfig{
		Enabled:    true,
		DefaultTTL: config.Duration(time.Minute),
		Redis: config.RedisConfig{
			URL:         "redis://" + addr,
			MaxScanKeys: config.DefaultMaxScanKeys,
		},
	}
}

func TestNewRedisStore(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	tests := []struct {
		name      string
		cfg       *config.CacheConfig
		expectErr bool
	}{
		{
			name: "valid config",
			cfg:  redisTestConfig(mr.Addr()),
		},
		{
			name:      "nil config",
			cfg:       nil,
			expectErr: true,
		},
		{
			name:      "missing URL",
			cfg:       &config.CacheConfig{Enabled: true},
			expectErr: true,
		},
		{
			name: "invalid URL",
			cfg: &config.CacheConfig{
				Redis: config.RedisConfig{URL: "not-a-url"},
			},
			expectErr: true,
		},
		{
			name: "unreachable server",
			cfg: &config.CacheConfig{
				Redis: config.RedisConfig{URL: "redis://127.0.0.1:1"},
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewRedisStore(tt.cfg, observability.NopLogger())
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = store.Close() }()
			assert.NoError(t, store.Ping(context.Background()))
		})
	}
}

func TestRedisStoreGetSet(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	store, err := NewRedisStore(redisTestConfig(mr.Addr()), observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))

	value, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	// Keys carry the configured prefix in Redis.
	assert.True(t, mr.Exists("apirelay:k1"))
}

func TestRedisStoreTTL(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	store, err := NewRedisStore(redisTestConfig(mr.Addr()), observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisStoreDelete(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	store, err := NewRedisStore(redisTestConfig(mr.Addr()), observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))
	require.NoError(t, store.Delete(ctx, "k1"))

	_, err = store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisStoreDeleteByPrefix(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	store, err := NewRedisStore(redisTestConfig(mr.Addr()), observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("svc:users:GET:/users/%d", i), []byte("v"), time.Minute))
	}
	require.NoError(t, store.Set(ctx, "svc:orders:GET:/orders/1", []byte("v"), time.Minute))

	removed, err := store.DeleteByPrefix(ctx, "svc:users:")
	require.NoError(t, err)
	assert.Equal(t, 20, removed)

	_, err = store.Get(ctx, "svc:users:GET:/users/5")
	assert.ErrorIs(t, err, ErrCacheMiss)

	value, err := store.Get(ctx, "svc:orders:GET:/orders/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestRedisStoreDeleteByPrefixScanLimit(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	cfg := redisTestConfig(mr.Addr())
	cfg.Redis.MaxScanKeys = 10

	store, err := NewRedisStore(cfg, observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("svc:users:GET:/users/%d", i), []byte("v"), time.Minute))
	}

	removed, err := store.DeleteByPrefix(ctx, "svc:users:")
	assert.ErrorIs(t, err, ErrScanLimit)
	assert.Greater(t, removed, 0)
}

func TestApplyTTLJitter(t *testing.T) {
	base := time.Minute

	assert.Equal(t, base, applyTTLJitter(base, 0))
	assert.Equal(t, time.Duration(0), applyTTLJitter(0, 0.5))

	for i := 0; i < 100; i++ {
		got := applyTTLJitter(base, 0.1)
		assert.GreaterOrEqual(t, got, 54*time.Second)
		assert.LessOrEqual(t, got, 66*time.Second)
	}
}
