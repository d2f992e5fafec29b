package memory

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value   []byte
	expires time.Time
}

// Cache is a process-local TTL cache.
type Cache struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{items: make(map[string]item), now: time.Now}
}

// SetClock overrides the time source.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.mu.Lock()
		c.now = now
		c.mu.Unlock()
	}
}

// Get returns a live value.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value for ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	c.mu.Lock()
	c.items[key] = item{value: append([]byte(nil), value...), expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_ = ctx
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}
