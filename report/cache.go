// ABOUTME: In-memory cache of rendered HTML reports keyed by the sha256 of their Markdown.
// ABOUTME: Supports TTL-based expiry, concurrent access, and manual clearing.
package report

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

type cacheEntry struct {
	html      string
	createdAt time.Time
}

// Cache memoizes RenderHTML. Errors are never cached.
type Cache struct {
	ttl     time.Duration
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	now     func() time.Time
}

// NewCache creates a Cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]*cacheEntry), now: time.Now}
}

// HTML renders r, returning a cached page when its Markdown is unchanged.
func (c *Cache) HTML(r *Report) (string, error) {
	md := r.Markdown()
	key := cacheKey(r.Title(), md)

	c.mu.RLock()
	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.createdAt) < c.ttl {
		html := entry.html
		c.mu.RUnlock()
		return html, nil
	}
	c.mu.RUnlock()

	html, err := RenderHTML(r.Title(), md)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{html: html, createdAt: c.now()}
	c.mu.Unlock()
	return html, nil
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func cacheKey(title, md string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(title+"\x00"+md)))
}
