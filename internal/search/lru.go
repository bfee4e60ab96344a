package search

import (
	"sync"
	"time"
)

type lruNode[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	prev      *lruNode[K, V]
	next      *lruNode[K, V]
}

// lruCache is a bounded map with per-entry TTL and least-recently-used
// eviction. head.next is the most recently used entry.
type lruCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*lruNode[K, V]
	head     *lruNode[K, V]
	tail     *lruNode[K, V]
	now      func() time.Time
}

func newLRUCache[K comparable, V any](capacity int, now func() time.Time) *lruCache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	c := &lruCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*lruNode[K, V], capacity),
		head:     &lruNode[K, V]{},
		tail:     &lruNode[K, V]{},
		now:      now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// get never returns an entry at or past its expiry.
func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(node.expiresAt) {
		c.remove(node)
		var zero V
		return zero, false
	}
	c.moveToFront(node)
	return node.value, true
}

func (c *lruCache[K, V]) add(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if node, ok := c.items[key]; ok {
		node.value = value
		node.expiresAt = expiresAt
		c.moveToFront(node)
		return
	}
	node := &lruNode[K, V]{key: key, value: value, expiresAt: expiresAt}
	c.addToFront(node)
	c.items[key] = node
	for len(c.items) > c.capacity {
		c.remove(c.tail.prev)
	}
}

func (c *lruCache[K, V]) drop(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.items[key]; ok {
		c.remove(node)
	}
}

func (c *lruCache[K, V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache[K, V]) addToFront(node *lruNode[K, V]) {
	node.prev = c.head
	node.next = c.head.next
	c.head.next.prev = node
	c.head.next = node
}

func (c *lruCache[K, V]) moveToFront(node *lruNode[K, V]) {
	node.prev.next = node.next
	node.next.prev = node.prev
	c.addToFront(node)
}

func (c *lruCache[K, V]) remove(node *lruNode[K, V]) {
	if node == c.head || node == c.tail {
		return
	}
	node.prev.next = node.next
	node.next.prev = node.prev
	delete(c.items, node.key)
}
