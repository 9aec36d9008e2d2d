package server

import (
	"sync"
	"time"
)

// activeHostCache remembers recent certificate host-policy answers per
// tunnel name. Entries are dropped when a tunnel disconnects; the TTL covers
// any missed invalidation.
type activeHostCache struct {
	mu      sync.RWMutex
	entries map[string]activeHostEntry
}

type activeHostEntry struct {
	active            bool
	expiresAtUnixNano int64
}

const activeHostCacheTTL = 30 * time.Second

func (c *activeHostCache) get(name string) (active, ok bool) {
	nowUnix := time.Now().UnixNano()
	c.mu.RLock()
	e, found := c.entries[name]
	c.mu.RUnlock()
	if !found {
		return false, false
	}
	if nowUnix > e.expiresAtUnixNano {
		c.mu.Lock()
		if stale, exists := c.entries[name]; exists && nowUnix > stale.expiresAtUnixNano {
			delete(c.entries, name)
		}
		c.mu.Unlock()
		return false, false
	}
	return e.active, true
}

func (c *activeHostCache) set(name string, active bool) {
	c.mu.Lock()
	c.entries[name] = activeHostEntry{
		active:            active,
		expiresAtUnixNano: time.Now().Add(activeHostCacheTTL).UnixNano(),
	}
	c.mu.Unlock()
}

func (c *activeHostCache) forget(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

func (c *activeHostCache) cleanup() {
	nowUnix := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.entries {
		if nowUnix > e.expiresAtUnixNano {
			delete(c.entries, name)
		}
	}
}
