package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedTTLCache maps string keys to string values that expire after a
// fixed TTL. The API uses it to remember which order an idempotency key
// already created.
type ShardedTTLCache struct {
	shards [numShards]*shard
	ttl    time.Duration
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     string
	expiresAt time.Time
}

func NewShardedTTLCache(ttl time.Duration) *ShardedTTLCache {
	c := &ShardedTTLCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

// SetClock replaces time.Now. Tests only.
func (c *ShardedTTLCache) SetClock(now func() time.Time) { c.now = now }

func (c *ShardedTTLCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *ShardedTTLCache) Set(key, value string) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
	s.mu.Unlock()
}

// Get returns the value for key unless it has expired.
func (c *ShardedTTLCache) Get(key string) (string, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *ShardedTTLCache) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts stored entries, expired ones included until Cleanup runs.
func (c *ShardedTTLCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many went.
func (c *ShardedTTLCache) Cleanup() int {
	removed := 0
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
}

func (c *ShardedTTLCache) Stats() CacheStats {
	var stats CacheStats
	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		s.mu.RUnlock()
	}
	return stats
}

// StartJanitor runs Cleanup every interval until stop is closed.
func (c *ShardedTTLCache) StartJanitor(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
