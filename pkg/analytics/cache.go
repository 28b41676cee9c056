package analytics

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SiteCache remembers site keys known to have events so GetStats can skip
// the existence probe. Events are never deleted, so a cached key can not go
// stale; the TTL only bounds how long cold keys occupy memory.
// A nil *SiteCache is a disabled cache.
type SiteCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewSiteCache creates a cache holding at most size keys. size <= 0 returns nil.
func NewSiteCache(size int, ttl time.Duration) *SiteCache {
	if size <= 0 {
		return nil
	}
	return &SiteCache{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Known reports whether siteKey was remembered
func (c *SiteCache) Known(siteKey string) bool {
	if c == nil {
		return false
	}
	_, ok := c.lru.Get(siteKey)
	return ok
}

// Remember records that siteKey has at least one event
func (c *SiteCache) Remember(siteKey string) {
	if c == nil {
		return
	}
	c.lru.Add(siteKey, struct{}{})
}

// Len returns the number of cached keys
func (c *SiteCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
