package kvstream

import "sync"

// Cache is a plain keyed map of V indexed by K, with a bulk Clone that
// applies a ChangeSet to its contents. No key ordering is promised.
//
// Clone applies Add/Update as upserts and Remove as deletes; Refresh and
// Moved are no-ops for cache contents (Refresh does not change the
// key→value mapping and Moved only reorders a separately maintained
// sorted projection).
type Cache[V any, K comparable] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewCache returns an empty Cache.
func NewCache[V any, K comparable]() *Cache[V, K] {
	return &Cache[V, K]{items: make(map[K]V)}
}

// Get returns the value for key and whether it was present.
func (c *Cache[V, K]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Count returns the number of items currently held.
func (c *Cache[V, K]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns a snapshot slice of the currently held keys.
func (c *Cache[V, K]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

// KeyValues returns a snapshot map of the currently held key/value pairs.
func (c *Cache[V, K]) KeyValues() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[K]V, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// Clone applies changeSet to the cache's contents in order.
func (c *Cache[V, K]) Clone(changeSet ChangeSet[V, K]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cloneLocked(changeSet)
}

func (c *Cache[V, K]) cloneLocked(changeSet ChangeSet[V, K]) {
	for _, change := range changeSet {
		switch change.Reason {
		case Add, Update:
			c.items[change.Key] = change.Current
		case Remove:
			delete(c.items, change.Key)
		case Refresh, Moved:
			// no-op for cache contents
		}
	}
}
