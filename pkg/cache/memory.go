package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry pairs a cached value with its expiry; TTLs vary per key so
// expiry is checked on read rather than delegated to the LRU.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache bounded by an LRU, used by tests
// and single-node deployments without a shared Redis.
type MemoryCache struct {
	lru *lru.Cache[string, entry]
	now func() time.Time
}

// NewMemoryCache creates a cache holding at most size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c, now: time.Now}, nil
}

// Get retrieves a cached value, evicting it if expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put stores a value with the given TTL.
func (c *MemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.lru.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})
	return nil
}

// Delete removes a key.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}
