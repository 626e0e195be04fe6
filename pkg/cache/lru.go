// Package cache implements the bounded metadata cache of the remote backend.
//
// Entries are versioned by the record clock, so a stale fetch never replaces a
// newer local copy. An entry touched by a mutation is pinned until the write
// behind queue has acknowledged that mutation; eviction skips pinned entries
// and deletions leave pinned tombstones, so a read of the remote store cannot
// bring back a value the queue has not yet overwritten.
package cache

import (
	"container/list"
	"sync"
)

// Status is the outcome of a Get.
type Status int

const (
	// Miss means the key is not cached; the caller should fetch it.
	Miss Status = iota
	// Hit means the value was returned from the cache.
	Hit
	// Deleted means the key was removed locally and the removal is not yet
	// acknowledged. The caller must not fetch it.
	Deleted
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Deleted:
		return "deleted"
	default:
		return "miss"
	}
}

// Metrics receives cache activity. A nil Metrics is valid.
type Metrics interface {
	ObserveHit(cache string)
	ObserveMiss(cache string)
	ObserveEviction(cache string)
}

// AckFunc returns the highest acknowledged flush index. Everything at or
// below it has reached the remote store.
type AckFunc func() int64

type entry[K comparable, V any] struct {
	key       K
	value     V
	version   uint64
	pinUntil  int64
	pinned    bool
	tombstone bool
}

// LRU is a fixed-capacity least-recently-used cache. It is safe for
// concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	name     string
	capacity int
	ack      AckFunc
	metrics  Metrics

	ll    *list.List // front is most recent
	items map[K]*list.Element
}

// New returns an empty cache. ack may be nil, in which case pins never
// expire and must be cleared with Remove.
func New[K comparable, V any](name string, capacity int, ack AckFunc, metrics Metrics) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		name:     name,
		capacity: capacity,
		ack:      ack,
		metrics:  metrics,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get looks key up and marks it recently used.
func (c *LRU[K, V]) Get(key K) (V, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.observe(Miss)
		return zero, Miss
	}

	e := el.Value.(*entry[K, V])
	if e.tombstone {
		if c.pinnedLocked(e, c.watermark()) {
			c.observe(Deleted)
			return zero, Deleted
		}
		c.removeElement(el)
		c.observe(Miss)
		return zero, Miss
	}

	c.ll.MoveToFront(el)
	c.observe(Hit)
	return e.value, Hit
}

// IsDeleted reports whether key is a pinned tombstone. It does not count as
// a lookup.
func (c *LRU[K, V]) IsDeleted(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry[K, V])
	return e.tombstone && c.pinnedLocked(e, c.watermark())
}

// Put caches value at version and returns the entry now cached. An existing
// entry with a higher version is kept and returned instead. A pinned
// tombstone wins over any value; Put then returns false.
func (c *LRU[K, V]) Put(key K, value V, version uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.putLocked(key, value, version)
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*entry[K, V]).value, true
}

// PutPinned is Put followed by Pin(key, until) under the same lock. The
// entry cannot be evicted between the two.
func (c *LRU[K, V]) PutPinned(key K, value V, version uint64, until int64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.putLocked(key, value, version)
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	pin(e, until)
	return e.value, true
}

func (c *LRU[K, V]) putLocked(key K, value V, version uint64) (*list.Element, bool) {
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		switch {
		case e.tombstone && c.pinnedLocked(e, c.watermark()):
			return nil, false
		case !e.tombstone && e.version > version:
			c.ll.MoveToFront(el)
			return el, true
		}
		e.value, e.version, e.tombstone = value, version, false
		c.ll.MoveToFront(el)
		return el, true
	}

	el := c.ll.PushFront(&entry[K, V]{key: key, value: value, version: version})
	c.items[key] = el
	c.evictLocked(el)
	return el, true
}

// Pin protects key from eviction until the flush index until is
// acknowledged. Pins only ever extend.
func (c *LRU[K, V]) Pin(key K, until int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		pin(el.Value.(*entry[K, V]), until)
	}
}

// Tombstone replaces key with a deletion marker pinned until the flush
// index until is acknowledged.
func (c *LRU[K, V]) Tombstone(key K, until int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value, e.tombstone = zero, true
		pin(e, until)
		c.ll.MoveToFront(el)
		return
	}

	e := &entry[K, V]{key: key, tombstone: true}
	pin(e, until)
	el := c.ll.PushFront(e)
	c.items[key] = el
	c.evictLocked(el)
}

// Remove drops key whether or not it is pinned.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of entries, tombstones included.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Capacity returns the configured capacity.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns the cached keys from most to least recently used, tombstones
// excluded.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry[K, V]); !e.tombstone {
			keys = append(keys, e.key)
		}
	}
	return keys
}

func pin[K comparable, V any](e *entry[K, V], until int64) {
	if !e.pinned || until > e.pinUntil {
		e.pinUntil = until
	}
	e.pinned = true
}

func (c *LRU[K, V]) watermark() int64 {
	if c.ack == nil {
		return -1 << 63
	}
	return c.ack()
}

func (c *LRU[K, V]) pinnedLocked(e *entry[K, V], watermark int64) bool {
	if !e.pinned {
		return false
	}
	if c.ack != nil && e.pinUntil <= watermark {
		e.pinned = false
		return false
	}
	return true
}

// evictLocked drops least recently used unpinned entries until the cache
// fits, never keep. When everything else is pinned the cache stays over
// capacity.
func (c *LRU[K, V]) evictLocked(keep *list.Element) {
	if c.ll.Len() <= c.capacity {
		return
	}

	watermark := c.watermark()
	for el := c.ll.Back(); el != nil && c.ll.Len() > c.capacity; {
		prev := el.Prev()
		if el != keep && !c.pinnedLocked(el.Value.(*entry[K, V]), watermark) {
			c.removeElement(el)
			if c.metrics != nil {
				c.metrics.ObserveEviction(c.name)
			}
		}
		el = prev
	}
}

func (c *LRU[K, V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}

func (c *LRU[K, V]) observe(s Status) {
	if c.metrics == nil {
		return
	}
	if s != Miss {
		c.metrics.ObserveHit(c.name)
	} else {
		c.metrics.ObserveMiss(c.name)
	}
}
