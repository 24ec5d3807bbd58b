package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keys lists keys from most to least recently used.
func (c *Cache) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.items))
	for e := c.head; e != nil; e = e.next {
		out = append(out, e.key)
	}
	return out
}

func newTestCache(capacity int, ttl time.Duration) (*Cache, *clock.Mock) {
	mock := clock.NewMock()
	return New(capacity, ttl, WithClock(mock)), mock
}

func TestPutThenGet(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)

	c.Put("8.8.8.8", "dns.google")
	v, ok := c.Get("8.8.8.8")
	require.True(t, ok)
	assert.Equal(t, "dns.google", v)

	_, ok = c.Get("1.1.1.1")
	assert.False(t, ok)
}

func TestOccupancyNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 3, 10} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			c, _ := newTestCache(capacity, time.Hour)
			for i := 0; i < 3*capacity; i++ {
				c.Put(fmt.Sprintf("10.0.0.%d", i), "host")
				require.LessOrEqual(t, c.Len(), capacity)
			}
			assert.Equal(t, capacity, c.Len())
			assert.Equal(t, uint64(2*capacity), c.Stats().Evictions)
		})
	}
}

func TestOverflowEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(3, time.Hour)
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	c.Put("d", "4")

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest key should have been evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestGetPromotesKey(t *testing.T) {
	c, _ := newTestCache(3, time.Hour)
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	_, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "c", "b"}, c.keys())

	c.Put("d", "4")

	_, ok = c.Get("a")
	assert.True(t, ok, "promoted key must survive")
	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
}

func TestOverwrite(t *testing.T) {
	c, mock := newTestCache(2, time.Minute)
	c.Put("a", "1")
	c.Put("b", "2")

	mock.Add(50 * time.Second)
	c.Put("a", "one")

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	assert.Equal(t, []string{"a", "b"}, c.keys())

	// b is now past its ttl, a was refreshed by the overwrite
	mock.Add(20 * time.Second)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	ttl := 5 * time.Minute

	t.Run("fresh before ttl", func(t *testing.T) {
		c, mock := newTestCache(4, ttl)
		c.Put("a", "1")
		mock.Add(ttl - time.Nanosecond)
		_, ok := c.Get("a")
		assert.True(t, ok)
	})

	t.Run("miss after ttl", func(t *testing.T) {
		c, mock := newTestCache(4, ttl)
		c.Put("a", "1")
		mock.Add(ttl + time.Millisecond)
		_, ok := c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
		assert.Equal(t, uint64(1), c.Stats().Expirations)
	})

	t.Run("expiry dominates recency", func(t *testing.T) {
		c, mock := newTestCache(4, ttl)
		c.Put("a", "1")
		mock.Add(ttl - time.Second)
		_, ok := c.Get("a")
		require.True(t, ok)
		mock.Add(2 * time.Second)
		_, ok = c.Get("a")
		assert.False(t, ok)
	})
}

func TestEvictExpired(t *testing.T) {
	c, mock := newTestCache(10, time.Minute)
	c.Put("a", "1")
	c.Put("b", "2")
	mock.Add(30 * time.Second)
	c.Put("c", "3")
	mock.Add(45 * time.Second)

	assert.Equal(t, 2, c.EvictExpired())
	assert.Equal(t, []string{"c"}, c.keys())
	assert.Equal(t, 0, c.EvictExpired())
}

func TestDegenerateSettings(t *testing.T) {
	t.Run("zero capacity", func(t *testing.T) {
		c, _ := newTestCache(0, time.Minute)
		c.Put("a", "1")
		c.Put("a", "2")
		assert.Equal(t, 0, c.Len())
		_, ok := c.Get("a")
		assert.False(t, ok)
	})

	t.Run("negative capacity", func(t *testing.T) {
		c, _ := newTestCache(-3, time.Minute)
		c.Put("a", "1")
		assert.Equal(t, 0, c.Len())
	})

	t.Run("capacity one", func(t *testing.T) {
		c, _ := newTestCache(1, time.Minute)
		c.Put("a", "1")
		c.Put("b", "2")
		assert.Equal(t, []string{"b"}, c.keys())
		c.Put("b", "3")
		v, ok := c.Get("b")
		require.True(t, ok)
		assert.Equal(t, "3", v)
	})

	t.Run("zero ttl", func(t *testing.T) {
		c, _ := newTestCache(2, 0)
		c.Put("a", "1")
		assert.Equal(t, 1, c.Len(), "stale entries still occupy a slot")
		_, ok := c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})
}

func TestRemove(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)
	c.Put("a", "1")
	c.Put("b", "2")

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, []string{"b"}, c.keys())
}

func TestStatsCountHitsAndMisses(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)
	c.Put("a", "1")
	c.Get("a")
	c.Get("a")
	c.Get("b")

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 3, st.Capacity)
}

func TestRunSweeps(t *testing.T) {
	c, mock := newTestCache(3, time.Minute)
	c.Put("a", "1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return c.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestConcurrentAccess(t *testing.T) {
	c := New(16, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("10.0.%d.%d", g, i%32)
				c.Put(k, "host")
				c.Get(k)
				if i%50 == 0 {
					c.EvictExpired()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 16)
	assert.Len(t, c.keys(), c.Len())
}
