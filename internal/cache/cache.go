// Package cache is a namespaced, in-process TTL cache.
package cache

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/google/googleapps-message-recall/internal/model"
)

const (
	NamespaceCounter     = "counter"
	NamespaceAccessToken = "access_token"
	NamespaceAdmin       = "is_admin"
)

// Cache wraps go-cache with per-namespace keys.
type Cache struct {
	store *gocache.Cache
}

// New creates a cache that evicts expired entries every cleanupInterval.
func New(cleanupInterval time.Duration) *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}

func (c *Cache) Get(namespace, key string) (interface{}, bool) {
	return c.store.Get(cacheKey(namespace, key))
}

func (c *Cache) GetString(namespace, key string) (string, bool) {
	v, ok := c.Get(namespace, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c *Cache) GetInt64(namespace, key string) (int64, bool) {
	v, ok := c.Get(namespace, key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

func (c *Cache) GetBool(namespace, key string) (bool, bool) {
	v, ok := c.Get(namespace, key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (c *Cache) Set(namespace, key string, value interface{}, ttl time.Duration) {
	c.store.Set(cacheKey(namespace, key), value, ttl)
}

// Add stores value only if key is absent. A present key is an ErrCacheRace.
func (c *Cache) Add(namespace, key string, value interface{}, ttl time.Duration) error {
	if err := c.store.Add(cacheKey(namespace, key), value, ttl); err != nil {
		return fmt.Errorf("failed to add %s/%s: %w: %w", namespace, key, model.ErrCacheRace, err)
	}
	return nil
}

// Increment adds delta to an int64 entry. found is false when the key is
// absent, in which case nothing is stored.
func (c *Cache) Increment(namespace, key string, delta int64) (total int64, found bool) {
	total, err := c.store.IncrementInt64(cacheKey(namespace, key), delta)
	if err != nil {
		return 0, false
	}
	return total, true
}

func (c *Cache) Delete(namespace, key string) {
	c.store.Delete(cacheKey(namespace, key))
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.store.Flush()
}
