// Package cache provides a small TTL cache used for OIDC discovery documents
// and JWKS key sets. Entries expire after a fixed duration and are also
// bounded by an LRU capacity so a misbehaving tenant cannot grow the cache
// without limit.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity bounds the number of cached entries per cache.
const DefaultCapacity = 128

// TTL is a concurrency-safe expiring cache from string keys to values of
// type V. The zero value is not usable; construct with NewTTL.
type TTL[V any] struct {
	entries *lru.LRU[string, V]
	ttl     time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewTTL creates a cache whose entries expire ttl after insertion. A
// capacity of 0 uses DefaultCapacity.
func NewTTL[V any](capacity int, ttl time.Duration) *TTL[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TTL[V]{
		entries: lru.NewLRU[string, V](capacity, nil, ttl),
		ttl:     ttl,
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	v, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores value under key with the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.entries.Add(key, value)
}

// Delete removes key from the cache.
func (c *TTL[V]) Delete(key string) {
	c.entries.Remove(key)
}

// Purge drops every entry.
func (c *TTL[V]) Purge() {
	c.entries.Purge()
}

// Len returns the number of live entries.
func (c *TTL[V]) Len() int {
	return c.entries.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *TTL[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
