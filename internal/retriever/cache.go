package retriever

import (
	"sync"
	"time"
)

// cacheEntry is one cached retrieval result.
type cacheEntry struct {
	context      *Context
	expiresAt    time.Time
	lastAccessed time.Time
}

// cache is a thread-safe TTL cache with LRU eviction, keyed by
// tenant-qualified failure text. Healing retries within the TTL reuse the
// retrieved context instead of re-embedding the same failure.
type cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func newCache(ttl time.Duration, maxEntries int) *cache {
	return &cache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *cache) get(key string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	entry.lastAccessed = now
	return entry.context, true
}

func (c *cache) set(key string, ctx *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{
		context:      ctx,
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
