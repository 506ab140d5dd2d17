package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with its expiry.
type Entry[V any] struct {
	Value      V
	Expiration time.Time
}

// IsExpired reports whether the entry is past its expiry at now.
func (e *Entry[V]) IsExpired(now time.Time) bool {
	return now.After(e.Expiration)
}

// MemoryCache is an in-memory TTL cache. Expired entries are invisible to Get
// and swept periodically until Close.
type MemoryCache[V any] struct {
	items map[string]*Entry[V]
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache whose entries live for ttl.
func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	c := &MemoryCache[V]{
		items: make(map[string]*Entry[V]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}

	interval := 5 * time.Minute
	if ttl > 0 && ttl < interval {
		interval = ttl
	}
	go c.cleanupExpired(interval)

	return c
}

// Set stores a value.
func (c *MemoryCache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &Entry[V]{
		Value:      value,
		Expiration: c.now().Add(c.ttl),
	}
}

// Get returns the value for key if present and not expired.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists || entry.IsExpired(c.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Delete removes key.
func (c *MemoryCache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Clear removes everything.
func (c *MemoryCache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*Entry[V])
}

// Size returns the number of stored entries, expired or not.
func (c *MemoryCache[V]) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Close stops the sweeper.
func (c *MemoryCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache[V]) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.items {
		if entry.IsExpired(now) {
			delete(c.items, key)
		}
	}
}

func (c *MemoryCache[V]) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}
