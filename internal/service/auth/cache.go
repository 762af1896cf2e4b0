package auth

import (
	"context"
	"sync"
	"time"
)

// VerifyCache remembers recently verified bearer values so the bcrypt
// comparison can be skipped. It never replaces the token lookup.
type VerifyCache interface {
	Contains(ctx context.Context, key string) bool
	Add(ctx context.Context, key string)
}

const memoryCachePruneSize = 4096

type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

func (c *MemoryCache) Contains(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *MemoryCache) Add(ctx context.Context, key string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if len(c.entries) >= memoryCachePruneSize {
		for k, expiry := range c.entries {
			if now.After(expiry) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = now.Add(c.ttl)
}
