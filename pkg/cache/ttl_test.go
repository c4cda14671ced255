package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLGetSet(t *testing.T) {
	c := NewTTL[string](8, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", "alpha")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	c.Set("a", "alpha-2")
	v, _ = c.Get("a")
	assert.Equal(t, "alpha-2", v)
}

func TestTTLExpiry(t *testing.T) {
	c := NewTTL[int](8, 20*time.Millisecond)

	c.Set("n", 42)
	_, ok := c.Get("n")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("n")
	assert.False(t, ok)
}

func TestTTLDeleteAndPurge(t *testing.T) {
	c := NewTTL[int](8, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	require.Equal(t, 2, c.Len())

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestTTLCapacityBound(t *testing.T) {
	c := NewTTL[int](4, time.Minute)

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.LessOrEqual(t, c.Len(), 4)

	// The most recent entry survives eviction
	v, ok := c.Get("k9")
	require.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestTTLStats(t *testing.T) {
	c := NewTTL[int](8, time.Minute)

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("nope")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestTTLDefaultCapacity(t *testing.T) {
	c := NewTTL[int](0, time.Minute)
	for i := 0; i < DefaultCapacity; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}

func TestTTLConcurrentAccess(t *testing.T) {
	c := NewTTL[int](DefaultCapacity, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%16)
				c.Set(key, n)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
}
