package kvstream

import "context"

// ChangeSetCache pairs an upstream change stream with a materialized
// Cache mirroring its accumulated state. Connecting to it both forwards
// each change set unchanged to the caller's observer and clones it into
// the mirror cache, so callers that need "what does the source currently
// look like" (the merge-family trackers in particular, which keep one
// ChangeSetCache per inner source) can read KeyValues/Get without
// re-deriving it from the raw stream.
//
// A ChangeSetCache lives for the lifetime of whatever owns it (in this
// module, a merge operator holding one per inner source); it does
// not dispose its source on its own — callers keep the Subscription
// returned by Connect and dispose it explicitly.
type ChangeSetCache[V any, K comparable] struct {
	source Observable[V, K]
	cache  *Cache[V, K]
}

// NewChangeSetCache wraps source with an initially-empty mirror cache.
func NewChangeSetCache[V any, K comparable](source Observable[V, K]) *ChangeSetCache[V, K] {
	return &ChangeSetCache[V, K]{source: source, cache: NewCache[V, K]()}
}

// Get returns the current mirrored value for key.
func (c *ChangeSetCache[V, K]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// KeyValues returns a snapshot of the current mirrored contents.
func (c *ChangeSetCache[V, K]) KeyValues() map[K]V {
	return c.cache.KeyValues()
}

// Connect subscribes to the wrapped source. Every change set is cloned
// into the mirror cache before observer.OnNext is called with it, so by
// the time a caller observes a batch, KeyValues already reflects it.
func (c *ChangeSetCache[V, K]) Connect(ctx context.Context, observer Observer[V, K]) Subscription {
	return c.source.Subscribe(ctx, ObserverFunc[V, K]{
		Next: func(cs ChangeSet[V, K]) {
			c.cache.Clone(cs)
			observer.OnNext(cs)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}
