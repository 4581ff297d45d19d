package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// TestNewDefaults verifies non-positive arguments fall back to defaults.
func TestNewDefaults(t *testing.T) {
	c, err := New[int](0, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if c.Capacity() != DefaultCapacity {
		t.Errorf("Expected capacity %d, got %d", DefaultCapacity, c.Capacity())
	}
	if c.TTL() != DefaultTTL {
		t.Errorf("Expected TTL %v, got %v", DefaultTTL, c.TTL())
	}
}

// TestGetPut tests basic storage and counters.
func TestGetPut(t *testing.T) {
	c := MustNew[string](10, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Error("Expected miss for unknown key")
	}

	c.Put("a", "alpha")
	v, ok := c.Get("a")
	if !ok {
		t.Fatal("Expected hit for stored key")
	}
	if v != "alpha" {
		t.Errorf("Expected alpha, got %s", v)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if stats.HitRate() != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %f", stats.HitRate())
	}
}

// TestLRUEviction tests that inserting N+1 entries evicts exactly the
// least-recently-used one.
func TestLRUEviction(t *testing.T) {
	t.Run("Evicts oldest insert", func(t *testing.T) {
		c := MustNew[int](3, time.Minute)
		c.Put("a", 1)
		c.Put("b", 2)
		c.Put("c", 3)

		if evicted := c.Put("d", 4); !evicted {
			t.Error("Expected insert beyond capacity to evict")
		}
		if c.Len() != 3 {
			t.Errorf("Expected size 3, got %d", c.Len())
		}
		if _, ok := c.Peek("a"); ok {
			t.Error("Expected a to be evicted")
		}
		for _, k := range []string{"b", "c", "d"} {
			if _, ok := c.Peek(k); !ok {
				t.Errorf("Expected %s to remain", k)
			}
		}
		if c.Stats().Evictions != 1 {
			t.Errorf("Expected 1 eviction, got %d", c.Stats().Evictions)
		}
	})

	t.Run("Read promotes entry", func(t *testing.T) {
		c := MustNew[int](3, time.Minute)
		c.Put("a", 1)
		c.Put("b", 2)
		c.Put("c", 3)

		// a becomes most recently used, so b is now the oldest
		if _, ok := c.Get("a"); !ok {
			t.Fatal("Expected hit for a")
		}
		c.Put("d", 4)

		if _, ok := c.Peek("b"); ok {
			t.Error("Expected b to be evicted after a was promoted")
		}
		if _, ok := c.Peek("a"); !ok {
			t.Error("Expected promoted a to survive eviction")
		}
	})

	t.Run("Keeps most recent inserts", func(t *testing.T) {
		c := MustNew[int](5, time.Minute)
		for i := 0; i < 10; i++ {
			c.Put(fmt.Sprintf("id%d", i), i)
		}

		if c.Len() != 5 {
			t.Fatalf("Expected size 5, got %d", c.Len())
		}
		keys := c.Keys()
		expected := []string{"id5", "id6", "id7", "id8", "id9"}
		for i, k := range expected {
			if keys[i] != k {
				t.Errorf("Expected key %s at position %d, got %s", k, i, keys[i])
			}
		}
	})
}

// TestTTLExpiry tests that an entry older than its TTL is a miss and is
// removed on access.
func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := MustNew[int](10, 30*time.Second, WithClock(clock.Now))

	c.Put("a", 1)
	clock.Advance(29 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Expected entry within TTL to be a hit")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Peek("a"); ok {
		t.Error("Expected Peek to hide expired entry")
	}
	if c.Len() != 1 {
		t.Errorf("Expected expired entry to stay until read, size %d", c.Len())
	}

	if _, ok := c.Get("a"); ok {
		t.Error("Expected expired entry to be a miss")
	}
	if c.Len() != 0 {
		t.Errorf("Expected expired entry to be removed on read, size %d", c.Len())
	}
}

// TestExpiredRemovalKeepsFreshPut tests that a value stored while an
// expired entry is being removed is not lost.
func TestExpiredRemovalKeepsFreshPut(t *testing.T) {
	clock := newFakeClock()
	c := MustNew[int](10, 10*time.Second, WithClock(clock.Now))

	c.Put("a", 1)
	clock.Advance(11 * time.Second)

	c.beforeExpire = func() { c.Put("a", 2) }
	if _, ok := c.Get("a"); ok {
		t.Error("Expected expired entry to be a miss")
	}
	c.beforeExpire = nil

	v, ok := c.Get("a")
	if !ok {
		t.Fatal("Expected the fresh value to survive expiry of the old one")
	}
	if v != 2 {
		t.Errorf("Expected fresh value 2, got %d", v)
	}
}

// TestPutRefreshesTimestamp tests that replacing a value resets its age.
func TestPutRefreshesTimestamp(t *testing.T) {
	clock := newFakeClock()
	c := MustNew[int](10, 10*time.Second, WithClock(clock.Now))

	c.Put("a", 1)
	clock.Advance(8 * time.Second)
	c.Put("a", 2)
	clock.Advance(8 * time.Second)

	v, ok := c.Get("a")
	if !ok {
		t.Fatal("Expected refreshed entry to be a hit")
	}
	if v != 2 {
		t.Errorf("Expected replaced value 2, got %d", v)
	}
}

// TestValuesSkipsExpired tests Values ordering and expiry filtering.
func TestValuesSkipsExpired(t *testing.T) {
	clock := newFakeClock()
	c := MustNew[int](10, 10*time.Second, WithClock(clock.Now))

	c.Put("old", 1)
	clock.Advance(11 * time.Second)
	c.Put("new", 2)

	values := c.Values()
	if len(values) != 1 || values[0] != 2 {
		t.Errorf("Expected only the fresh value, got %v", values)
	}
}

// TestClear tests that Clear drops all entries.
func TestClear(t *testing.T) {
	c := MustNew[int](10, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Expected empty cache, got %d entries", c.Len())
	}
}

// TestConcurrentAccess exercises the cache from many goroutines.
func TestConcurrentAccess(t *testing.T) {
	c := MustNew[int](50, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%120)
				c.Put(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Expected size bounded by 50, got %d", c.Len())
	}
}
