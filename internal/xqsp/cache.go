package xqsp

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Cache keeps script sources keyed by absolute path. An entry is reused
// while the file modification time is unchanged.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int
	misses  int
}

type cacheEntry struct {
	mtime  time.Time
	size   int64
	source string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Load returns the source of the script at path.
func (c *Cache) Load(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, "stat script")
	}
	c.mu.Lock()
	e, ok := c.entries[path]
	if ok && e.mtime.Equal(info.ModTime()) && e.size == info.Size() {
		c.hits++
		c.mu.Unlock()
		return e.source, nil
	}
	c.misses++
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read script")
	}
	c.mu.Lock()
	c.entries[path] = cacheEntry{mtime: info.ModTime(), size: info.Size(), source: string(data)}
	c.mu.Unlock()
	return string(data), nil
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
