package operators

import (
	"context"
	"sync"

	"kvstream"
)

// GroupSelector computes the group key for a value (§4.5).
type GroupSelector[V any, G comparable] func(V) G

// ManagedGroup is a mutable keyed sub-cache bearing a group key G. Two
// ManagedGroups are never compared by reference: callers key on GroupKey.
type ManagedGroup[V any, K comparable, G comparable] struct {
	GroupKey G
	cache    *kvstream.ChangeAwareCache[V, K]
}

// NewManagedGroup returns an empty group for groupKey.
func NewManagedGroup[V any, K comparable, G comparable](groupKey G) *ManagedGroup[V, K, G] {
	return &ManagedGroup[V, K, G]{GroupKey: groupKey, cache: kvstream.NewChangeAwareCache[V, K]()}
}

// Get returns the current value for key within this group.
func (g *ManagedGroup[V, K, G]) Get(key K) (V, bool) { return g.cache.Get(key) }

// Count returns the number of items currently in this group.
func (g *ManagedGroup[V, K, G]) Count() int { return g.cache.Count() }

// KeyValues returns a snapshot of this group's contents.
func (g *ManagedGroup[V, K, G]) KeyValues() map[K]V { return g.cache.KeyValues() }

// GroupChange is one group-level event: a group came into existence, went
// out of existence, or had its member change stream emit cs.
type GroupChange[V any, K comparable, G comparable] struct {
	GroupKey G
	Added    bool
	Removed  bool
	Changes  kvstream.ChangeSet[V, K]
}

// GroupChangeSet is an ordered batch of group-level events.
type GroupChangeSet[V any, K comparable, G comparable] []GroupChange[V, K, G]

// GroupObserver receives a GroupChangeSet sequence.
type GroupObserver[V any, K comparable, G comparable] interface {
	OnNext(GroupChangeSet[V, K, G])
	OnError(error)
	OnCompleted()
}

// Group partitions a change stream into one ManagedGroup per observed
// selector(value) (§4.5, "Static Group"). On an Update that moves an item
// between groups, a Remove is emitted on the old group and an Add on the
// new one; empty groups are dropped and their deletion emitted.
type Group[V any, K comparable, G comparable] struct {
	source   kvstream.Observable[V, K]
	selector GroupSelector[V, G]
}

// NewGroup wraps source, partitioning by selector.
func NewGroup[V any, K comparable, G comparable](source kvstream.Observable[V, K], selector GroupSelector[V, G]) *Group[V, K, G] {
	return &Group[V, K, G]{source: source, selector: selector}
}

// Subscribe starts grouping for observer.
func (g *Group[V, K, G]) Subscribe(ctx context.Context, observer GroupObserver[V, K, G]) kvstream.Subscription {
	var mu sync.Mutex
	groups := make(map[G]*ManagedGroup[V, K, G])
	keyGroup := make(map[K]G)

	groupFor := func(key G) *ManagedGroup[V, K, G] {
		mg, ok := groups[key]
		if !ok {
			mg = NewManagedGroup[V, K, G](key)
			groups[key] = mg
		}
		return mg
	}

	return g.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			out := make(GroupChangeSet[V, K, G], 0, len(cs))
			touched := make(map[G]bool)

			emitFor := func(mg *ManagedGroup[V, K, G], added bool) {
				changes := mg.cache.CaptureChanges()
				if !added && len(changes) == 0 {
					return
				}
				out = append(out, GroupChange[V, K, G]{GroupKey: mg.GroupKey, Added: added, Changes: changes})
			}

			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add:
					gk := g.selector(ch.Current)
					_, existed := groups[gk]
					mg := groupFor(gk)
					mg.cache.AddOrUpdate(ch.Key, ch.Current)
					keyGroup[ch.Key] = gk
					touched[gk] = true
					if !existed {
						out = append(out, GroupChange[V, K, G]{GroupKey: gk, Added: true})
					}
				case kvstream.Update:
					oldGK, hadGroup := keyGroup[ch.Key]
					newGK := g.selector(ch.Current)
					if hadGroup && oldGK != newGK {
						if old, ok := groups[oldGK]; ok {
							old.cache.Remove(ch.Key)
							touched[oldGK] = true
						}
						_, existed := groups[newGK]
						mg := groupFor(newGK)
						mg.cache.AddOrUpdate(ch.Key, ch.Current)
						touched[newGK] = true
						if !existed {
							out = append(out, GroupChange[V, K, G]{GroupKey: newGK, Added: true})
						}
						keyGroup[ch.Key] = newGK
					} else {
						// Either an in-place update (hadGroup, same group) or the
						// first sighting of this key arriving as an Update rather
						// than an Add: in the latter case the group may be new and
						// must emit Added, exactly as the Add branch above does.
						_, existed := groups[newGK]
						mg := groupFor(newGK)
						mg.cache.AddOrUpdate(ch.Key, ch.Current)
						keyGroup[ch.Key] = newGK
						touched[newGK] = true
						if !existed {
							out = append(out, GroupChange[V, K, G]{GroupKey: newGK, Added: true})
						}
					}
				case kvstream.Remove:
					if gk, ok := keyGroup[ch.Key]; ok {
						if mg, ok := groups[gk]; ok {
							mg.cache.Remove(ch.Key)
							touched[gk] = true
						}
						delete(keyGroup, ch.Key)
					}
				case kvstream.Refresh:
					if gk, ok := keyGroup[ch.Key]; ok {
						if mg, ok := groups[gk]; ok {
							mg.cache.Refresh(ch.Key)
							touched[gk] = true
						}
					}
				case kvstream.Moved:
				}
			}

			for gk := range touched {
				mg := groups[gk]
				emitFor(mg, false)
				if mg.cache.Count() == 0 {
					delete(groups, gk)
					out = append(out, GroupChange[V, K, G]{GroupKey: gk, Removed: true})
				}
			}

			if len(out) > 0 {
				observer.OnNext(out)
			}
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}

// GroupKeySelector resolves the per-item observable of group keys driving
// GroupOnObservable (§4.5).
type GroupKeySelector[V any, K comparable, G comparable] func(ctx context.Context, key K, value V) kvstream.Observable[G, K]

// GroupOnObservable re-groups items whenever their per-item group-key
// observable emits a new (DistinctUntilChanged) value, following the
// parent/child protocol of §4.2. A move is performed as a Remove from the
// old group and an Add to the new one, coalesced with the parent batch.
type GroupOnObservable[V any, K comparable, G comparable] struct {
	source   kvstream.Observable[V, K]
	selector GroupKeySelector[V, K, G]
}

// NewGroupOnObservable wraps source; selector is invoked for a key on Add
// and again on each Update, replacing that key's prior sub-observable.
func NewGroupOnObservable[V any, K comparable, G comparable](source kvstream.Observable[V, K], selector GroupKeySelector[V, K, G]) *GroupOnObservable[V, K, G] {
	return &GroupOnObservable[V, K, G]{source: source, selector: selector}
}

// Subscribe starts observable-driven grouping for observer.
func (g *GroupOnObservable[V, K, G]) Subscribe(ctx context.Context, observer GroupObserver[V, K, G]) kvstream.Subscription {
	var mu sync.Mutex
	groups := make(map[G]*ManagedGroup[V, K, G])
	keyGroup := make(map[K]G)
	haveGroup := make(map[K]bool)
	latest := make(map[K]V)
	children := make(map[K]kvstream.Subscription)
	childOrder := []K{}
	remaining := 1
	disposed := false
	var pending GroupChangeSet[V, K, G]
	inParentBatch := false

	groupFor := func(key G) *ManagedGroup[V, K, G] {
		mg, ok := groups[key]
		if !ok {
			mg = NewManagedGroup[V, K, G](key)
			groups[key] = mg
			pending = append(pending, GroupChange[V, K, G]{GroupKey: key, Added: true})
		}
		return mg
	}

	moveKey := func(key K, newGK G) {
		oldGK, had := keyGroup[key]
		if had && oldGK == newGK {
			return
		}
		if had {
			if old, ok := groups[oldGK]; ok {
				old.cache.Remove(key)
			}
		}
		mg := groupFor(newGK)
		mg.cache.AddOrUpdate(key, latest[key])
		keyGroup[key] = newGK
		haveGroup[key] = true
	}

	flush := func() {
		for gk, mg := range groups {
			changes := mg.cache.CaptureChanges()
			if len(changes) > 0 {
				pending = append(pending, GroupChange[V, K, G]{GroupKey: gk, Changes: changes})
			}
		}
		for gk, mg := range groups {
			if mg.cache.Count() == 0 {
				delete(groups, gk)
				pending = append(pending, GroupChange[V, K, G]{GroupKey: gk, Removed: true})
			}
		}
		if len(pending) > 0 {
			out := pending
			pending = nil
			observer.OnNext(out)
		}
	}

	decrementRemaining := func() {
		remaining--
		if remaining == 0 && !disposed {
			disposed = true
			observer.OnCompleted()
		}
	}

	// subscribeChild must be called with mu NOT held: a sub-observable is
	// free to emit synchronously from inside Subscribe (the engine's own
	// Publisher replays a snapshot this way), and its Next/Err/Completed
	// callbacks each re-acquire mu, which would deadlock on Go's
	// non-reentrant sync.Mutex if the caller were still holding it.
	subscribeChild := func(key K, value V) {
		sub := g.selector(ctx, key, value).Subscribe(ctx, kvstream.ObserverFunc[G, K]{
			Next: func(cs kvstream.ChangeSet[G, K]) {
				mu.Lock()
				defer mu.Unlock()
				for _, ch := range cs {
					if ch.Reason == kvstream.Remove {
						continue
					}
					moveKey(key, ch.Current)
				}
				if !inParentBatch {
					flush()
				}
			},
			Err: func(err error) {
				mu.Lock()
				defer mu.Unlock()
				if disposed {
					return
				}
				disposed = true
				observer.OnError(err)
			},
			Completed: func() {
				mu.Lock()
				defer mu.Unlock()
				if _, ok := children[key]; ok {
					delete(children, key)
					decrementRemaining()
				}
			},
		})
		mu.Lock()
		if prior, ok := children[key]; ok {
			prior.Dispose()
		} else {
			remaining++
		}
		children[key] = sub
		childOrder = append(childOrder, key)
		mu.Unlock()
	}

	upstream := g.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			inParentBatch = true
			var toSubscribe []KeyValue[V, K]
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					latest[ch.Key] = ch.Current
					toSubscribe = append(toSubscribe, KeyValue[V, K]{Key: ch.Key, Value: ch.Current})
				case kvstream.Remove:
					if sub, ok := children[ch.Key]; ok {
						sub.Dispose()
						delete(children, ch.Key)
						decrementRemaining()
					}
					if gk, ok := keyGroup[ch.Key]; ok {
						if mg, ok := groups[gk]; ok {
							mg.cache.Remove(ch.Key)
						}
						delete(keyGroup, ch.Key)
					}
					delete(latest, ch.Key)
					delete(haveGroup, ch.Key)
				case kvstream.Refresh:
					if gk, ok := keyGroup[ch.Key]; ok {
						if mg, ok := groups[gk]; ok {
							mg.cache.Refresh(ch.Key)
						}
					}
				case kvstream.Moved:
				}
			}
			inParentBatch = false
			flush()
			mu.Unlock()

			for _, kv := range toSubscribe {
				subscribeChild(kv.Key, kv.Value)
			}
		},
		Err: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if disposed {
				return
			}
			disposed = true
			observer.OnError(err)
		},
		Completed: func() {
			mu.Lock()
			defer mu.Unlock()
			decrementRemaining()
		},
	})

	return disposer(func() {
		mu.Lock()
		defer mu.Unlock()
		if disposed {
			upstream.Dispose()
			return
		}
		disposed = true
		for i := len(childOrder) - 1; i >= 0; i-- {
			if sub, ok := children[childOrder[i]]; ok {
				sub.Dispose()
			}
		}
		upstream.Dispose()
	})
}

// DynamicGroupSelector resolves the group-key function itself from an
// observable, for GroupOnDynamic (§4.5).
type DynamicGroupSelector[V any, K comparable, G comparable] <-chan GroupSelector[V, G]

// GroupOnDynamic groups by a selector function that is itself supplied by
// an observable (§4.5). Items arriving before any selector has been seen
// accumulate in a buffer; the first selector flushes the buffer through
// itself, and every subsequent selector (including one delivered by the
// regrouper channel re-firing the current selector) fully regroups all
// currently-known items.
type GroupOnDynamic[V any, K comparable, G comparable] struct {
	source     kvstream.Observable[V, K]
	selectors  DynamicGroupSelector[V, K, G]
	regroup    <-chan struct{}
}

// NewGroupOnDynamic wraps source. selectors delivers the active
// group-key function whenever it changes; regroup, if non-nil, forces a
// full re-evaluation under the current selector.
func NewGroupOnDynamic[V any, K comparable, G comparable](source kvstream.Observable[V, K], selectors DynamicGroupSelector[V, K, G], regroup <-chan struct{}) *GroupOnDynamic[V, K, G] {
	return &GroupOnDynamic[V, K, G]{source: source, selectors: selectors, regroup: regroup}
}

// Subscribe starts dynamic-selector grouping for observer.
func (g *GroupOnDynamic[V, K, G]) Subscribe(ctx context.Context, observer GroupObserver[V, K, G]) kvstream.Subscription {
	var mu sync.Mutex
	all := kvstream.NewCache[V, K]()
	groups := make(map[G]*ManagedGroup[V, K, G])
	keyGroup := make(map[K]G)
	var current GroupSelector[V, G]

	regroupAll := func() kvstream.ChangeSet[V, K] {
		// A synthetic full-collection change set drives re-grouping through
		// the same per-item logic a live Add does, avoiding a second code
		// path for "every item moves groups".
		out := make(kvstream.ChangeSet[V, K], 0, all.Count())
		for k, v := range all.KeyValues() {
			out = append(out, kvstream.NewAddChange[V, K](k, v))
		}
		return out
	}

	applyRegroup := func(cs kvstream.ChangeSet[V, K]) GroupChangeSet[V, K, G] {
		var out GroupChangeSet[V, K, G]
		touched := make(map[G]bool)
		for _, ch := range cs {
			gk := current(ch.Current)
			oldGK, had := keyGroup[ch.Key]
			if had && oldGK == gk {
				continue
			}
			if had {
				if old, ok := groups[oldGK]; ok {
					old.cache.Remove(ch.Key)
					touched[oldGK] = true
				}
			}
			_, existed := groups[gk]
			mg, ok := groups[gk]
			if !ok {
				mg = NewManagedGroup[V, K, G](gk)
				groups[gk] = mg
			}
			mg.cache.AddOrUpdate(ch.Key, ch.Current)
			keyGroup[ch.Key] = gk
			touched[gk] = true
			if !existed {
				out = append(out, GroupChange[V, K, G]{GroupKey: gk, Added: true})
			}
		}
		for gk := range touched {
			mg := groups[gk]
			changes := mg.cache.CaptureChanges()
			if len(changes) > 0 {
				out = append(out, GroupChange[V, K, G]{GroupKey: gk, Changes: changes})
			}
			if mg.cache.Count() == 0 {
				delete(groups, gk)
				out = append(out, GroupChange[V, K, G]{GroupKey: gk, Removed: true})
			}
		}
		return out
	}

	upstream := g.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			all.Clone(cs)
			if current == nil {
				return // buffered in all until a selector arrives
			}
			if out := applyRegroup(cs); len(out) > 0 {
				observer.OnNext(out)
			}
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})

	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case sel, ok := <-g.selectors:
				if !ok {
					return
				}
				mu.Lock()
				current = sel
				if out := applyRegroup(regroupAll()); len(out) > 0 {
					observer.OnNext(out)
				}
				mu.Unlock()
			case _, ok := <-g.regroup:
				if !ok {
					return
				}
				mu.Lock()
				if current != nil {
					if out := applyRegroup(regroupAll()); len(out) > 0 {
						observer.OnNext(out)
					}
				}
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	return disposer(func() {
		once.Do(func() { close(done) })
		upstream.Dispose()
	})
}
