package dedupproxy

import (
	"container/list"
	"sync"
	"time"
)

// responseCache is an in-memory response cache with TTL expiry and LRU
// eviction, keyed by request fingerprint.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List
	ttl     time.Duration
	maxSize int
}

type cacheEntry struct {
	key       string
	response  *Response
	expiresAt time.Time
	element   *list.Element
}

func newResponseCache(ttl time.Duration, maxSize int) *responseCache {
	return &responseCache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// get returns the cached response for key if present and unexpired.
func (c *responseCache) get(key string) (*Response, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		c.removeLocked(entry)
		return nil, false
	}
	c.lru.MoveToFront(entry.element)
	return entry.response, true
}

// set stores a response under key, evicting the least recently used entry
// when full.
func (c *responseCache) set(key string, resp *Response) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.response = resp
		entry.expiresAt = now.Add(c.ttl)
		c.lru.MoveToFront(entry.element)
		return
	}

	// Evict before adding so the map never exceeds maxSize.
	if len(c.entries) >= c.maxSize {
		if back := c.lru.Back(); back != nil {
			c.removeLocked(back.Value.(*cacheEntry))
		}
	}

	entry := &cacheEntry{key: key, response: resp, expiresAt: now.Add(c.ttl)}
	entry.element = c.lru.PushFront(entry)
	c.entries[key] = entry
}

// sweep drops expired entries. Called by the engine's periodic task.
func (c *responseCache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*cacheEntry
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		c.removeLocked(entry)
	}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *responseCache) removeLocked(entry *cacheEntry) {
	c.lru.Remove(entry.element)
	delete(c.entries, entry.key)
}
