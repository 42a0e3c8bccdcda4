// Package ttlcache is a TTL-based in-memory cache with stale-while-revalidate.
// It uses sync.Map for lock-free reads on the hot path.
package ttlcache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Cache maps string keys to values of type V. A zero V may be stored as a
// negative entry.
type Cache[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	refreshing atomic.Bool
}

// Result holds the result of a cache lookup.
type Result[V any] struct {
	Value        V
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // expired, the caller should refresh in the background
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{ttl: ttl}
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get performs a non-blocking lookup. Expired entries are still returned;
// only the first caller to see one gets NeedsRefresh.
func (c *Cache[V]) Get(key string) Result[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return Result[V]{}
	}

	e := val.(*entry[V])
	if time.Now().Before(e.expiresAt) {
		return Result[V]{Value: e.value, Hit: true}
	}

	return Result[V]{
		Value:        e.value,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a value with a fresh TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.store.Store(key, &entry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry.
func (c *Cache[V]) Delete(key string) {
	c.store.Delete(key)
}
