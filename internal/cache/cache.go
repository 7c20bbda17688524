// Package cache provides a small TTL-based cache used to avoid hammering
// the store when the status HTTP surface is polled faster than job state
// actually changes.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTLCache is a generic key/value cache where each entry expires after its
// own TTL, independent of the others.
type TTLCache struct {
	data *gocache.Cache
}

// New creates a TTLCache whose background sweep runs at twice defaultTTL.
func New(defaultTTL time.Duration) *TTLCache {
	return &TTLCache{data: gocache.New(defaultTTL, defaultTTL*2)}
}

// Get retrieves a cached value, reporting whether it was present and not
// expired.
func (c *TTLCache) Get(key string) (any, bool) {
	return c.data.Get(key)
}

// Set stores value under key with its own ttl; a zero ttl uses the cache's
// default.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.data.Set(key, value, ttl)
}

// Delete removes key, if present.
func (c *TTLCache) Delete(key string) {
	c.data.Delete(key)
}
