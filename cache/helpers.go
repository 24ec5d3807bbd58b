package cache

import (
	"context"
	"time"
)

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Entries     int
	Capacity    int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:     len(c.items),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Run sweeps stale entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.EvictExpired()
		case <-ctx.Done():
			return
		}
	}
}

// expired: age >= ttl, so a zero ttl is stale on insert
func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.ttl
}

// drop unlinks e and forgets its key. Caller holds the lock.
func (c *Cache) drop(e *entry) {
	delete(c.items, e.key)
	c.removeEntry(e)
}

func (c *Cache) removeEntry(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}

	e.prev = nil
	e.next = nil
}

func (c *Cache) removeTail() {
	if c.tail == nil {
		return
	}
	c.drop(c.tail)
}

func (c *Cache) pushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) moveToFront(e *entry) {
	if c.head == e {
		return
	}
	c.removeEntry(e)
	c.pushFront(e)
}
