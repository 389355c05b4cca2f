package catalogcache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-gateway/models"
)

// localEntry represents a single cache entry with TTL
type localEntry struct {
	key        string
	view       *models.CatalogSnapshot
	insertedAt time.Time
	element    *list.Element
}

// LocalCache is the in-process tier: an LRU of catalog views with a short TTL.
// Thread-safe; entries are immutable snapshots so they are shared without copying.
type LocalCache struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewLocalCache creates a local tier with the given capacity and TTL
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &LocalCache{
		entries: make(map[string]*localEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the view stored under key, or nil if it is missing or expired
func (c *LocalCache) Get(key string) *models.CatalogSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.now().Sub(entry.insertedAt) > c.ttl {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.view
}

// Set stores a view, evicting the least recently used entry when full
func (c *LocalCache) Set(key string, view *models.CatalogSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.view = view
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &localEntry{key: key, view: view, insertedAt: c.now()}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// InvalidateProviders drops every view that depends on one of the providers.
// Views without a provider filter depend on all of them. Returns how many were dropped.
func (c *LocalCache) InvalidateProviders(slugs []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	affected := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		affected[s] = true
	}

	var drop []string
	for key := range c.entries {
		provider := providerOf(key)
		if provider == "" || affected[provider] {
			drop = append(drop, key)
		}
	}
	for _, key := range drop {
		c.removeEntry(key)
	}
	return len(drop)
}

// Clear removes all entries
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*localEntry)
	c.lruList.Init()
}

// Stats returns cache statistics
func (c *LocalCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// CacheStats represents local tier statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// removeEntry must be called with lock held
func (c *LocalCache) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU must be called with lock held
func (c *LocalCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, key)
}

// providerOf extracts the provider filter from a view key
func providerOf(key string) string {
	rest, ok := strings.CutPrefix(key, "view:p=")
	if !ok {
		return ""
	}
	provider, _, _ := strings.Cut(rest, ":c=")
	return provider
}
