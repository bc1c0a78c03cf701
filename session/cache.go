package session

import (
	"sync"

	"github.com/b1naryth1ef/ferry/remote"
)

// Cache holds directory listings keyed by the directory location.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]*remote.Path
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string][]*remote.Path)}
}

func (c *Cache) Put(dir *remote.Path, list []*remote.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dir.Key()] = append([]*remote.Path(nil), list...)
}

// Get returns the cached listing of dir.
func (c *Cache) Get(dir *remote.Path) ([]*remote.Path, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.entries[dir.Key()]
	return list, ok
}

func (c *Cache) Contains(dir *remote.Path) bool {
	_, ok := c.Get(dir)
	return ok
}

// Lookup finds file in the cached listing of its parent.
func (c *Cache) Lookup(file *remote.Path) (*remote.Path, bool) {
	list, ok := c.Get(file.Parent())
	if !ok {
		return nil, false
	}
	for _, p := range list {
		if p.Equal(file) {
			return p, true
		}
	}
	return nil, false
}

func (c *Cache) Invalidate(dir *remote.Path) {
	c.mu.Lock()
	delete(c.entries, dir.Key())
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
