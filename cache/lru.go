// Package cache holds resolved reverse-DNS names in a bounded map with
// least-recently-used eviction on overflow and a time-to-live on every entry.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	key        string
	value      string
	insertedAt time.Time

	prev *entry
	next *entry
}

// Cache maps normalized addresses to names. Expiry dominates recency: an
// entry older than the TTL is a miss even if it was used a moment ago.
type Cache struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration
	clock    clock.Clock

	items map[string]*entry
	head  *entry // most recently used
	tail  *entry // least recently used

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

type Option func(*Cache)

// WithClock replaces the wall clock used for insertion times and expiry.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// New returns an empty cache holding at most capacity entries for ttl each.
// A capacity of zero or less stores nothing.
func New(capacity int, ttl time.Duration, opts ...Option) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	c := &Cache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock.New(),
		items:    make(map[string]*entry, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if it is present and fresh, and marks it as
// most recently used. A stale entry is dropped.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		c.misses++
		return "", false
	}

	if c.expired(e, c.clock.Now()) {
		c.drop(e)
		c.expirations++
		c.misses++
		return "", false
	}

	c.moveToFront(e)
	c.hits++
	return e.value, true
}

// Put inserts or overwrites key. Overwrites refresh the insertion time and
// recency without changing occupancy; a new key at capacity evicts the
// least recently used entry first.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	if e, found := c.items[key]; found {
		e.value = value
		e.insertedAt = now
		c.moveToFront(e)
		return
	}

	if c.capacity == 0 {
		return
	}

	if len(c.items) >= c.capacity {
		c.removeTail()
		c.evictions++
	}

	e := &entry{
		key:        key,
		value:      value,
		insertedAt: now,
	}
	c.items[key] = e
	c.pushFront(e)
}

// Remove deletes key and reports whether it was present.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		return false
	}
	c.drop(e)
	return true
}

// EvictExpired removes every stale entry and returns how many were removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for e := c.tail; e != nil; {
		prev := e.prev
		if c.expired(e, now) {
			c.drop(e)
			removed++
		}
		e = prev
	}
	c.expirations += uint64(removed)
	return removed
}

// Len returns the number of entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
