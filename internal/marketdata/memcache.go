package marketdata

import (
	"hash/fnv"
	"sync"
	"time"
)

// entry is one tier-1 value. fetchedAt is when the fetch that produced it
// started.
type entry struct {
	value     any
	source    string
	fetchedAt time.Time
	expiresAt time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

// memCache is the in-process tier. Keys are spread over shards so that a
// sweep or a write only blocks keys in the same shard.
type memCache struct {
	shards []*shard
}

func newMemCache(n int) *memCache {
	c := &memCache{shards: make([]*shard, n)}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *memCache) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// get returns the entry only while it is fresh at now.
func (c *memCache) get(key string, now time.Time) (entry, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return entry{}, false
	}
	return e, true
}

// set stores e unless the key already holds a value from a later fetch.
func (c *memCache) set(key string, e entry) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; ok && cur.fetchedAt.After(e.fetchedAt) {
		return false
	}
	s.items[key] = e
	return true
}

// evict drops expired entries one shard at a time.
func (c *memCache) evict(now time.Time) int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (c *memCache) len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
