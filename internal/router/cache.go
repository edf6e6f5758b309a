package router

import (
	"sync"
	"time"
)

// entry is one cached router response.
type entry struct {
	value     any
	source    string
	storedAt  time.Time
	expiresAt time.Time
}

// cache is the router's own response cache. Entries past expiresAt are no
// longer served as fresh but stay around for staleTTL so a total outage can
// still be answered with a marked stale value.
type cache struct {
	ttl      time.Duration
	staleTTL time.Duration
	maxItems int

	mu    sync.RWMutex
	items map[string]entry
}

func newCache(ttl, staleTTL time.Duration, maxItems int) *cache {
	if staleTTL < ttl {
		staleTTL = ttl
	}
	return &cache{ttl: ttl, staleTTL: staleTTL, maxItems: maxItems, items: make(map[string]entry)}
}

// fresh returns the entry when it exists and has not expired.
func (c *cache) fresh(key string, now time.Time) (entry, bool) {
	if c.ttl <= 0 {
		return entry{}, false
	}
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return entry{}, false
	}
	return e, true
}

// stale returns any retained entry regardless of expiry.
func (c *cache) stale(key string, now time.Time) (entry, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || now.Sub(e.storedAt) > c.staleTTL {
		return entry{}, false
	}
	return e, true
}

func (c *cache) put(key string, value any, source string, now time.Time) {
	if c.staleTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value, source: source, storedAt: now, expiresAt: now.Add(c.ttl)}
	if c.maxItems > 0 && len(c.items) > c.maxItems {
		// drop expired first, then arbitrary keys
		for k, v := range c.items {
			if len(c.items) <= c.maxItems {
				break
			}
			if !now.Before(v.expiresAt) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.maxItems {
				break
			}
			if k != key {
				delete(c.items, k)
			}
		}
	}
}

// sweep removes entries older than staleTTL and returns how many it dropped.
func (c *cache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if now.Sub(e.storedAt) > c.staleTTL {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
