package artifact

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Cache = (*MemoryCache)(nil)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process Cache used in tests and when no cache backend
// is configured. Expired entries are dropped lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time // overridable for testing
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		nowFn:   time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, kind Kind, content, lang string) ([]byte, bool) {
	key := CacheKey(kind, content, lang)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.nowFn().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true
}

func (c *MemoryCache) Put(ctx context.Context, kind Kind, content, lang string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.mu.Lock()
	c.entries[CacheKey(kind, content, lang)] = memoryEntry{
		value:   stored,
		expires: c.nowFn().Add(kind.TTL()),
	}
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(ctx context.Context, prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
