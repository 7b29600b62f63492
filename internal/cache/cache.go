// Package cache is a TTL-keyed response cache with at most one in-flight
// fetch per key.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"upfweb/internal/metrics"
)

// FetchFunc loads the value for a key on a miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache maps string keys to values of type V. Keys are prefixed by resource
// type ("processes:", "subprocess:12") so a whole resource class can be
// dropped with InvalidatePrefix.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	// gen is bumped for in-flight keys on invalidation; a fetch only stores
	// its result when the generation it started under is still current.
	gen      map[string]uint64
	inflight map[string]struct{}

	group   singleflight.Group
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithMetrics records hits, misses and coalesced waits.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New returns an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	cfg := config{now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return &Cache[V]{
		entries:  make(map[string]entry[V]),
		gen:      make(map[string]uint64),
		inflight: make(map[string]struct{}),
		now:      cfg.now,
		metrics:  cfg.metrics,
	}
}

// Fetch returns the cached value for key when it is younger than ttl.
// Otherwise it calls fn, coalescing concurrent callers for the same key into
// a single call whose result every waiter receives. Failed fetches are not
// cached and do not block later retries. ttl <= 0 skips the cache lookup and
// store but still coalesces.
//
// fn runs on a context detached from the caller's cancellation so one
// waiter giving up does not fail the others; a waiter whose ctx ends
// returns ctx.Err() immediately.
func (c *Cache[V]) Fetch(ctx context.Context, key string, ttl time.Duration, fn FetchFunc[V]) (V, error) {
	resource := resourceOf(key)
	if ttl > 0 {
		if v, ok := c.Get(key); ok {
			c.count(func(m *metrics.Metrics) { m.CacheHits.WithLabelValues(resource).Inc() })
			return v, nil
		}
	}
	c.count(func(m *metrics.Metrics) { m.CacheMisses.WithLabelValues(resource).Inc() })

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		startGen := c.gen[key]
		c.inflight[key] = struct{}{}
		c.mu.Unlock()

		v, err := fn(detached)

		c.mu.Lock()
		defer c.mu.Unlock()
		fresh := c.gen[key] == startGen
		delete(c.inflight, key)
		delete(c.gen, key)
		if err != nil {
			return v, err
		}
		if ttl > 0 && fresh {
			c.entries[key] = entry[V]{value: v, expires: c.now().Add(ttl)}
		}
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.count(func(m *metrics.Metrics) { m.CacheCoalesced.WithLabelValues(resource).Inc() })
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// Get returns a fresh cached value without fetching.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under key for ttl.
func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate drops one key and discards the result of any fetch for it that
// is still in flight. Callers arriving while that fetch runs still join it;
// only its store is suppressed.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	if _, ok := c.inflight[key]; ok {
		c.gen[key]++
	}
	c.mu.Unlock()
}

// InvalidatePrefix drops every key starting with prefix and returns how many
// stored entries were removed. In-flight fetches for matching keys will not
// store their results.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	for k := range c.inflight {
		if strings.HasPrefix(k, prefix) {
			c.gen[k]++
		}
	}
	c.mu.Unlock()
	c.count(func(m *metrics.Metrics) { m.CacheInvalidations.WithLabelValues(prefix).Add(float64(n)) })
	return n
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the stored keys.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Purge drops everything.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	for k := range c.inflight {
		c.gen[k]++
	}
	c.mu.Unlock()
}

func (c *Cache[V]) count(f func(*metrics.Metrics)) {
	if c.metrics != nil {
		f(c.metrics)
	}
}

func resourceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
