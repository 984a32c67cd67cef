package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
)

// entry is a single cache slot. Entries are owned exclusively by the cache
// and handed out only by value copy.
type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	expiresAt  time.Time
	accessedAt time.Time
}

// boundedCache combines LRU and TTL eviction policies. Items leave the cache
// either when capacity is exceeded (least recently accessed first) or when
// their absolute TTL elapses, whichever comes first.
//
// The read-check-expire-evict sequence runs under a single mutex so a caller
// can never observe a half-evicted entry.
type boundedCache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element // key -> list element
	order    *list.List               // doubly-linked list, front = most recently used
	stats    *Statistics              // always initialized
	metrics  *cacheMetrics            // optional, if metrics enabled
	evictFn  EvictCallback[V]         // optional callback
	now      clock
}

// New creates a bounded cache with the given capacity and TTL.
// Capacity must be positive and TTL non-negative (0 disables expiry).
// Returns an error if metrics registration fails when requested.
func New[V any](capacity int, ttl time.Duration, options ...Option[V]) (Cache[V], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New", "capacity must be positive")
	}
	if ttl < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New", "ttl cannot be negative")
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
	}

	now := opts.now
	if now == nil {
		now = time.Now
	}

	return &boundedCache[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		now:      now,
	}, nil
}

// Get retrieves a value by key, removing it if expired and updating LRU order.
func (c *boundedCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	e := element.Value.(*entry[V])

	// Lazy expiry: an expired access is a miss plus an expiration, and the
	// entry is physically removed.
	if c.expired(e) {
		c.removeElement(element)
		c.stats.Expiration()
		c.stats.Miss()
		c.stats.UpdateSize(int64(len(c.items)))
		if c.metrics != nil {
			c.metrics.recordExpiration()
			c.metrics.recordMiss()
			c.metrics.updateSize(len(c.items))
		}
		return zero, false
	}

	// Promote to most recently used. TTL is absolute and not refreshed.
	e.accessedAt = c.now()
	c.order.MoveToFront(element)

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}

	return e.value, true
}

// Set stores a value with the given key, setting TTL and updating LRU order.
func (c *boundedCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()

	if element, exists := c.items[key]; exists {
		// Update in place; a rewrite restarts the TTL clock.
		e := element.Value.(*entry[V])
		e.value = value
		e.insertedAt = ts
		e.expiresAt = c.deadline(ts)
		e.accessedAt = ts
		c.order.MoveToFront(element)

		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		return false, nil
	}

	e := &entry[V]{
		key:        key,
		value:      value,
		insertedAt: ts,
		expiresAt:  c.deadline(ts),
		accessedAt: ts,
	}
	c.items[key] = c.order.PushFront(e)

	// LRU eviction when over capacity
	if len(c.items) > c.capacity {
		c.evictLRU()
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(len(c.items))
	}

	return true, nil
}

// Delete removes an entry by key.
func (c *boundedCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false, nil
	}

	c.removeElement(element)
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.updateSize(len(c.items))
	}

	return true, nil
}

// Clear removes all entries from the cache.
func (c *boundedCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.evictFn != nil {
		for element := c.order.Back(); element != nil; element = element.Prev() {
			e := element.Value.(*entry[V])
			c.evictFn(e.key, e.value)
		}
	}

	c.items = make(map[string]*list.Element)
	c.order.Init()

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
}

// Size returns the current number of entries in the cache.
func (c *boundedCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns non-expired keys in LRU order (most recently used first).
func (c *boundedCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		e := element.Value.(*entry[V])
		if !c.expired(e) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *boundedCache[V]) Stats() *Statistics {
	return c.stats
}

// deadline computes the expiry time for an insertion at ts.
func (c *boundedCache[V]) deadline(ts time.Time) time.Time {
	if c.ttl == 0 {
		return time.Time{} // zero deadline = never expires
	}
	return ts.Add(c.ttl)
}

// expired reports whether e's absolute TTL has elapsed.
func (c *boundedCache[V]) expired(e *entry[V]) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return c.now().After(e.expiresAt)
}

// evictLRU removes the least recently used item from the cache.
// Must be called with mutex held.
func (c *boundedCache[V]) evictLRU() {
	element := c.order.Back()
	if element == nil {
		return
	}
	c.removeElement(element)
	c.stats.Eviction()
	if c.metrics != nil {
		c.metrics.recordEviction()
	}
}

// removeElement removes an element from both the list and map.
// Must be called with mutex held.
func (c *boundedCache[V]) removeElement(element *list.Element) {
	e := element.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(element)

	if c.evictFn != nil {
		// The callback runs while the cache lock is held; it must not call
		// back into the cache.
		c.evictFn(e.key, e.value)
	}
}
