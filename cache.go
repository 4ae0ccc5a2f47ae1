package tasksync

import (
	"slices"
	"sync"
)

// Cache holds the local collection for one Subscription Key. It is written
// only by reconciliation and by optimistic apply/rollback; every write is
// published to the cache's watchers.
type Cache[T any] struct {
	mu       sync.RWMutex
	data     []T
	version  uint64
	watchers map[int]func([]T)
	nextID   int
}

// NewCache returns an empty cache.
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{watchers: make(map[int]func([]T))}
}

// Get returns a copy of the current collection.
func (c *Cache[T]) Get() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.data)
}

// Version increments on every write.
func (c *Cache[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Watch registers fn to receive a copy of the collection after every write.
// The returned function unregisters it.
func (c *Cache[T]) Watch(fn func([]T)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// update replaces the collection with fn(current) and returns the previous
// collection. fn receives a private copy it may modify.
func (c *Cache[T]) update(fn func([]T) []T) []T {
	prev, _, _ := c.write(func(cur []T, _ uint64) []T { return fn(cur) })
	return prev
}

// write is update with the version being replaced passed to fn. It returns
// copies of the previous and next collections and the new version.
func (c *Cache[T]) write(fn func(cur []T, version uint64) []T) (prev, next []T, version uint64) {
	c.mu.Lock()
	old := c.data
	data := fn(slices.Clone(old), c.version)
	c.data = data
	c.version++
	version = c.version
	watchers := c.snapshotWatchers()
	c.mu.Unlock()

	c.publish(watchers, data)
	return slices.Clone(old), slices.Clone(data), version
}

func (c *Cache[T]) set(data []T) {
	c.update(func([]T) []T { return data })
}

func (c *Cache[T]) snapshotWatchers() []func([]T) {
	out := make([]func([]T), 0, len(c.watchers))
	for _, w := range c.watchers {
		out = append(out, w)
	}
	return out
}

func (c *Cache[T]) publish(watchers []func([]T), data []T) {
	for _, w := range watchers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			w(slices.Clone(data))
		}()
	}
}
