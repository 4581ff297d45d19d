// Package cache provides a capacity-bounded LRU cache with per-entry TTL.
//
// It is used both as the private per-source record cache and as the
// aggregator's manager-level cache. Entries older than the TTL are treated
// as absent and removed on the next read. Reads promote an entry to the
// most-recently-used position; inserting beyond capacity evicts the
// least-recently-used entry.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCapacity is used when a non-positive capacity is requested.
	DefaultCapacity = 1000

	// DefaultTTL is used when a non-positive TTL is requested.
	DefaultTTL = 30 * time.Second
)

// entry pairs a cached value with the time it was stored.
type entry[V any] struct {
	value    V
	cachedAt time.Time
	// seq identifies one Put; a replaced entry has a new seq
	seq uint64
}

// Cache is a TTL + LRU cache keyed by string.
// It is safe for concurrent use.
type Cache[V any] struct {
	lru      *lru.Cache[string, entry[V]]
	capacity int
	ttl      time.Duration
	now      func() time.Time

	// mu orders Put against removal of an expired entry
	mu  sync.Mutex
	seq atomic.Uint64

	// beforeExpire runs between spotting an expired entry and removing it
	beforeExpire func()

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Option customizes a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a cache holding at most capacity entries for ttl each.
func New[V any](capacity int, ttl time.Duration, opts ...Option) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
	}

	inner, err := lru.New[string, entry[V]](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	c.lru = inner

	return c, nil
}

// MustNew is like New but panics on error. Only used with static arguments.
func MustNew[V any](capacity int, ttl time.Duration, opts ...Option) *Cache[V] {
	c, err := New[V](capacity, ttl, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the value for key if present and not expired.
// A hit promotes the entry to most-recently-used. An expired entry is
// removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if c.now().Sub(e.cachedAt) > c.ttl {
		c.removeExpired(key, e.seq)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// removeExpired removes key only if it still holds the entry seen as
// expired, so a concurrent Put of a fresh value survives.
func (c *Cache[V]) removeExpired(key string, seq uint64) {
	if c.beforeExpire != nil {
		c.beforeExpire()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.lru.Peek(key); ok && cur.seq == seq {
		c.lru.Remove(key)
	}
}

// Peek returns the value for key without promoting it or counting a hit.
// Expired entries are reported as absent but left in place.
func (c *Cache[V]) Peek(key string) (V, bool) {
	var zero V

	e, ok := c.lru.Peek(key)
	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, replacing any existing entry.
// Returns true if the insert evicted the least-recently-used entry.
func (c *Cache[V]) Put(key string, value V) bool {
	c.mu.Lock()
	evicted := c.lru.Add(key, entry[V]{value: value, cachedAt: c.now(), seq: c.seq.Add(1)})
	c.mu.Unlock()
	if evicted {
		c.evictions.Add(1)
	}
	return evicted
}

// Remove deletes key from the cache.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Clear removes every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.lru.Purge()
}

// Len returns the number of stored entries, including expired ones that
// have not been read since they expired.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Keys returns the stored keys from least to most recently used.
func (c *Cache[V]) Keys() []string {
	return c.lru.Keys()
}

// Values returns every non-expired value from least to most recently used
// without promoting any of them.
func (c *Cache[V]) Values() []V {
	now := c.now()
	keys := c.lru.Keys()
	values := make([]V, 0, len(keys))
	for _, k := range keys {
		e, ok := c.lru.Peek(k)
		if !ok || now.Sub(e.cachedAt) > c.ttl {
			continue
		}
		values = append(values, e.value)
	}
	return values
}

// Capacity returns the maximum number of entries.
func (c *Cache[V]) Capacity() int {
	return c.capacity
}

// TTL returns the entry time-to-live.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size      int           `json:"size"`
	Capacity  int           `json:"capacity"`
	TTL       time.Duration `json:"ttl"`
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	Evictions uint64        `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		TTL:       c.ttl,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
