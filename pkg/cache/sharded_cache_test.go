package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewShardedTTLCache(time.Minute)
	c.SetClock(func() time.Time { return now })

	c.Set("key-1", "o1")
	v, ok := c.Get("key-1")
	assert.True(t, ok)
	assert.Equal(t, "o1", v)

	now = now.Add(time.Minute)
	_, ok = c.Get("key-1")
	assert.False(t, ok, "entries expire exactly at the ttl")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Cleanup())
	assert.Zero(t, c.Len())
}

func TestTTLCacheSpreadsAcrossShards(t *testing.T) {
	c := NewShardedTTLCache(time.Hour)
	for i := 0; i < 200; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}
	stats := c.Stats()
	assert.Equal(t, 200, stats.TotalItems)
	used := 0
	for _, n := range stats.ShardCounts {
		if n > 0 {
			used++
		}
	}
	assert.Greater(t, used, 1)

	c.Delete("k0")
	_, ok := c.Get("k0")
	assert.False(t, ok)
}
