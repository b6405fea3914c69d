package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apirelay/apirelay/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "apirelay/cache"

// shardCount is the number of lock shards in the local tier. Keys are
// distributed by FNV-1a hash so concurrent requests for different keys
// rarely contend on the same mutex.
const shardCount = 32

// localStore is the in-process cache tier: a sharded LRU with TTL.
type localStore struct {
	logger          observability.Logger
	maxEntriesShard int
	defaultTTL      time.Duration

	shards [shardCount]*localShard

	hits   int64
	misses int64

	stopCh chan struct{}
}

type localShard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLocalStore creates the in-process tier. maxEntries bounds the total
// entry count across all shards.
func NewLocalStore(maxEntries int, defaultTTL time.Duration, logger observability.Logger) Store {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	perShard := maxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}

	s := &localStore{
		logger:          logger,
		maxEntriesShard: perShard,
		defaultTTL:      defaultTTL,
		stopCh:          make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &localShard{
			items:    make(map[string]*list.Element),
			eviction: list.New(),
		}
	}

	go s.cleanupLoop()

	logger.Info("local cache initialized",
		observability.Int("maxEntries", perShard*shardCount),
		observability.Duration("defaultTTL", defaultTTL))

	return s
}

func (s *localStore) shardFor(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Get retrieves a value from the local tier.
func (s *localStore) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.tier", "local"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"local", "get",
		).Observe(time.Since(start).Seconds())
	}()

	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	elem, exists := shard.items[key]
	if !exists {
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("local").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*localEntry)

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		shard.removeElement(elem)
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("local").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	shard.eviction.MoveToFront(elem)

	atomic.AddInt64(&s.hits, 1)
	GetMetrics().hitsTotal.WithLabelValues("local").Inc()
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("cache.value_size", len(entry.value)),
	)

	return entry.value, nil
}

// Set stores a value in the local tier.
func (s *localStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.tier", "local"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"local", "set",
		).Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = s.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	entry := &localEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}

	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, exists := shard.items[key]; exists {
		shard.eviction.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	elem := shard.eviction.PushFront(entry)
	shard.items[key] = elem

	for shard.eviction.Len() > s.maxEntriesShard {
		shard.evictOldest()
	}

	return nil
}

// Delete removes a value from the local tier.
func (s *localStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"local", "delete",
		).Observe(time.Since(start).Seconds())
	}()

	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, exists := shard.items[key]; exists {
		shard.removeElement(elem)
	}

	return nil
}

// DeleteByPrefix removes every key with the given prefix. The local tier
// is bounded by maxEntries, so the scan is a full walk of each shard.
func (s *localStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"local", "delete_prefix",
		).Observe(time.Since(start).Seconds())
	}()

	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		var toRemove []*list.Element
		for key, elem := range shard.items {
			if strings.HasPrefix(key, prefix) {
				toRemove = append(toRemove, elem)
			}
		}
		for _, elem := range toRemove {
			shard.removeElement(elem)
		}
		removed += len(toRemove)
		shard.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("local cache prefix delete",
			observability.String("prefix", prefix),
			observability.Int("removed", removed))
	}

	return removed, nil
}

// Ping always succeeds for the in-process tier.
func (s *localStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and drops all entries.
func (s *localStore) Close() error {
	close(s.stopCh)

	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.items = make(map[string]*list.Element)
		shard.eviction.Init()
		shard.mu.Unlock()
	}

	return nil
}

// Stats returns hit statistics for the local tier.
func (s *localStore) Stats() Stats {
	var size int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		size += int64(shard.eviction.Len())
		shard.mu.Unlock()
	}

	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
		Size:   size,
	}
}

// evictOldest removes the least recently used entry.
// Must be called with the shard lock held.
func (shard *localShard) evictOldest() {
	elem := shard.eviction.Back()
	if elem != nil {
		shard.removeElement(elem)
		GetMetrics().evictionsTotal.WithLabelValues("local").Inc()
	}
}

// removeElement removes an element from the shard.
// Must be called with the shard lock held.
func (shard *localShard) removeElement(elem *list.Element) {
	shard.eviction.Remove(elem)
	entry := elem.Value.(*localEntry)
	delete(shard.items, entry.key)
}

// cleanupLoop periodically removes expired entries.
func (s *localStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *localStore) cleanup() {
	now := time.Now()
	removed := 0

	for _, shard := range s.shards {
		shard.mu.Lock()
		var toRemove []*list.Element
		for elem := shard.eviction.Back(); elem != nil; elem = elem.Prev() {
			entry := elem.Value.(*localEntry)
			if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
				toRemove = append(toRemove, elem)
			}
		}
		for _, elem := range toRemove {
			shard.removeElement(elem)
		}
		removed += len(toRemove)
		shard.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("local cache cleanup completed",
			observability.Int("removed", removed))
	}
}
