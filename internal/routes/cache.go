package routes

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/nirbhaya/internal/clock"
)

// lru is a bounded least-recently-used map that remembers when each value
// was stored. Freshness is left to the caller so stale values stay
// available as a fallback until evicted.
type lru[V any] struct {
	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
	max   int
}

type lruEntry[V any] struct {
	key      string
	value    V
	storedAt time.Time
}

func newLRU[V any](max int) *lru[V] {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &lru[V]{ll: list.New(), items: make(map[string]*list.Element), max: max}
}

func (c *lru[V]) get(key string) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*lruEntry[V])
	return e.value, e.storedAt, true
}

func (c *lru[V]) put(key string, v V, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry[V])
		e.value, e.storedAt = v, at
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&lruEntry[V]{key: key, value: v, storedAt: at})
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry[V]).key)
	}
}

func (c *lru[V]) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

func (c *lru[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// ScoreCache holds route scores until their expiry.
type ScoreCache struct {
	entries *lru[RouteScore]
	clock   clock.Clock
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewScoreCache creates a cache bounded to maxEntries.
func NewScoreCache(maxEntries int, clk clock.Clock) *ScoreCache {
	return &ScoreCache{entries: newLRU[RouteScore](maxEntries), clock: clk}
}

// Get returns the cached score for key if it has not expired. A non-empty
// path must match the fingerprint of the polyline the entry was scored
// from; a mismatch is a miss.
func (c *ScoreCache) Get(key, path string) (RouteScore, bool) {
	rs, _, ok := c.entries.get(key)
	if !ok {
		c.misses.Add(1)
		cacheLookups.WithLabelValues("miss").Inc()
		return RouteScore{}, false
	}
	if path != "" && rs.Path != path {
		c.misses.Add(1)
		cacheLookups.WithLabelValues("stale_path").Inc()
		return RouteScore{}, false
	}
	if !c.clock.Now().Before(rs.ExpiresAt) {
		c.entries.remove(key)
		c.misses.Add(1)
		cacheLookups.WithLabelValues("expired").Inc()
		return RouteScore{}, false
	}
	c.hits.Add(1)
	cacheLookups.WithLabelValues("hit").Inc()
	rs.Cached = true
	return rs, true
}

// Put stores rs under its route key.
func (c *ScoreCache) Put(rs RouteScore) {
	rs.Cached = false
	c.entries.put(rs.RouteKey, rs, rs.ComputedAt)
}

// Stats returns cache performance statistics.
func (c *ScoreCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		Entries:    c.entries.len(),
		MaxEntries: c.entries.max,
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
	}
}
