/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache provides a TTL- and capacity-bounded memoization cache.
//
// The cache never computes values itself: a miss means the caller computes
// and calls Put. Capacity overflow evicts the least-recently-used entry.
// Expiry is tested on read rather than proactively swept; RunSweeper offers
// an optional periodic sweep to bound memory held by entries nobody reads
// again.
//
// # Touch semantics
//
// Touch extends the freshness window: an entry's TTL is measured from its
// lastTouched timestamp, which Put initializes and Touch resets. Get does
// not reset it (a hit does refresh LRU eviction order, which is the
// underlying LRU's behavior). "put k; sleep beyond ttl; get k" therefore
// misses, while an intervening Touch keeps the entry fresh.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// entry is immutable once inserted; Touch replaces the whole entry rather
// than mutating it in place, so concurrent readers never see a torn value.
type entry[V any] struct {
	value       V
	insertedAt  time.Time
	lastTouched time.Time
	ttl         time.Duration
}

// expiredAt reports whether the entry's freshness window has elapsed at now.
// A non-positive ttl never expires.
func (e *entry[V]) expiredAt(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.lastTouched) > e.ttl
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size      int
	HitCount  uint64
	MissCount uint64
}

// BoundedCache memoizes expensive computations under a hard entry-count
// bound.
type BoundedCache[K comparable, V any] struct {
	logger logr.Logger
	// WithTicker rather than the plain PassiveClock so RunSweeper can share
	// the injected clock.
	clock   clock.WithTicker
	entries *lru.Cache[K, *entry[V]]

	// mu serializes compound mutations (Touch's read-modify-write and expiry
	// removal). Plain reads ride on the LRU's own lock.
	mu sync.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a BoundedCache holding at most capacity entries.
func New[K comparable, V any](capacity int, logger logr.Logger) (*BoundedCache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	c := &BoundedCache[K, V]{
		logger: logger.WithName("bounded-cache"),
		clock:  clock.RealClock{},
	}
	// The LRU runs this callback for every removal, not just capacity
	// overflow, so the eviction counter also covers expiry purges.
	entries, err := lru.NewWithEvict(capacity, func(K, *entry[V]) {
		metrics.RecordCacheEviction()
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get returns the cached value for key if present and fresh. An expired
// entry counts as a miss and is purged.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		metrics.RecordCacheMiss()
		return zero, false
	}
	if e.expiredAt(c.clock.Now()) {
		c.removeIfExpired(key)
		c.misses.Add(1)
		metrics.RecordCacheMiss()
		return zero, false
	}
	c.hits.Add(1)
	metrics.RecordCacheHit()
	return e.value, true
}

// Put inserts or overwrites the value for key. The last Put wins. If the
// insert overflows capacity, the least-recently-used entry is evicted,
// independent of TTL.
func (c *BoundedCache[K, V]) Put(key K, value V, ttl time.Duration) {
	now := c.clock.Now()
	c.mu.Lock()
	c.entries.Add(key, &entry[V]{value: value, insertedAt: now, lastTouched: now, ttl: ttl})
	c.mu.Unlock()
	metrics.SetCacheSize(c.entries.Len())
}

// Touch refreshes the entry's recency and restarts its freshness window
// without altering the value. Touching an absent or already-expired entry is
// a no-op; it reports whether the entry was refreshed.
func (c *BoundedCache[K, V]) Touch(key K) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok || e.expiredAt(now) {
		return false
	}
	refreshed := *e
	refreshed.lastTouched = now
	c.entries.Add(key, &refreshed)
	return true
}

// Warm precomputes and inserts entries for the given keys using up to
// concurrency workers, skipping keys that are already resident and fresh.
// The first compute error cancels the remaining computations.
func (c *BoundedCache[K, V]) Warm(ctx context.Context, keys []K, ttl time.Duration,
	computeFn func(ctx context.Context, key K) (V, error), concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := logutil.FromContext(ctx).WithName("cache-warm")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	now := c.clock.Now()
	warmed := 0
	for _, key := range keys {
		if e, ok := c.entries.Peek(key); ok && !e.expiredAt(now) {
			continue
		}
		warmed++
		key := key
		g.Go(func() error {
			value, err := computeFn(ctx, key)
			if err != nil {
				return fmt.Errorf("warm-up compute for key %v: %w", key, err)
			}
			c.Put(key, value, ttl)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.V(logutil.DEFAULT).Info("Cache warm-up complete", "requested", len(keys), "computed", warmed)
	return nil
}

// Stats returns current size and cumulative hit/miss counts.
func (c *BoundedCache[K, V]) Stats() Stats {
	return Stats{
		Size:      c.entries.Len(),
		HitCount:  c.hits.Load(),
		MissCount: c.misses.Load(),
	}
}

// RunSweeper periodically purges expired entries until the context is
// cancelled. The cache works correctly without it; the sweep only bounds
// memory held by expired entries that are never read again.
func (c *BoundedCache[K, V]) RunSweeper(ctx context.Context, interval time.Duration) {
	logger := c.logger.WithName("sweeper")
	logger.V(logutil.DEFAULT).Info("Cache sweeper starting", "interval", interval)
	defer logger.V(logutil.DEFAULT).Info("Cache sweeper stopped")

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			removed := c.sweep()
			if removed > 0 {
				logger.V(logutil.DEBUG).Info("Swept expired entries", "removed", removed)
			}
		}
	}
}

// sweep removes every expired entry and returns how many were purged.
func (c *BoundedCache[K, V]) sweep() int {
	removed := 0
	for _, key := range c.entries.Keys() {
		if c.removeIfExpired(key) {
			removed++
		}
	}
	if removed > 0 {
		metrics.SetCacheSize(c.entries.Len())
	}
	return removed
}

// removeIfExpired re-checks expiry under the mutation lock so a concurrent
// Put that refreshed the key is never clobbered.
func (c *BoundedCache[K, V]) removeIfExpired(key K) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok || !e.expiredAt(now) {
		return false
	}
	c.entries.Remove(key)
	return true
}
