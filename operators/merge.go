package operators

import (
	"context"
	"sync"
	"sync/atomic"

	"kvstream"
)

// Comparer orders two values of the same type, returning <0, 0, or >0 the
// way sort.Interface-adjacent APIs do. It need not be a strict total order
// unless an operator's documentation says so (§6).
type Comparer[V any] func(a, b V) int

// EqualityComparer reports whether two values are considered equivalent,
// independent of Comparer's ordering (§4.6).
type EqualityComparer[V any] func(a, b V) bool

// ChangeSetMergeTracker is the best-value merge core shared by the
// MergeMany family (§4.6): given a dynamically varying set of source
// caches, it maintains one result ChangeAwareCache holding, for each key,
// the "best" value across every source currently holding that key.
type ChangeSetMergeTracker[V any, K comparable] struct {
	result  *kvstream.ChangeAwareCache[V, K]
	compare Comparer[V] // nil: first-seen wins
	equal   EqualityComparer[V]
}

// NewChangeSetMergeTracker returns a tracker with no published values yet.
// compare may be nil (first-seen-wins semantics); equal may be nil (falls
// back to compare == 0, or to never-equal if compare is also nil).
func NewChangeSetMergeTracker[V any, K comparable](compare Comparer[V], equal EqualityComparer[V]) *ChangeSetMergeTracker[V, K] {
	return &ChangeSetMergeTracker[V, K]{
		result:  kvstream.NewChangeAwareCache[V, K](),
		compare: compare,
		equal:   equal,
	}
}

func (t *ChangeSetMergeTracker[V, K]) valuesEqual(a, b V) bool {
	if t.equal != nil {
		return t.equal(a, b)
	}
	if t.compare != nil {
		return t.compare(a, b) == 0
	}
	return false
}

func (t *ChangeSetMergeTracker[V, K]) shouldReplace(candidate, current V) bool {
	if t.compare == nil {
		return false // first-seen wins: never replace once published
	}
	return t.compare(candidate, current) < 0
}

// OnAdd records that one source now holds (k,v) (§4.6).
func (t *ChangeSetMergeTracker[V, K]) OnAdd(v V, k K) {
	current, ok := t.result.Get(k)
	if !ok {
		t.result.AddOrUpdate(k, v)
		return
	}
	if t.shouldReplace(v, current) {
		t.result.AddOrUpdate(k, v)
	}
}

// OnRemove records that one source no longer holds (k,v); sources supplies
// the remaining per-source caches to re-select a best value from, if the
// departing value was the one currently published.
func (t *ChangeSetMergeTracker[V, K]) OnRemove(sources []*kvstream.ChangeSetCache[V, K], v V, k K) {
	published, ok := t.result.Get(k)
	if !ok || !t.valuesEqual(published, v) {
		return
	}
	if best, found := t.SelectValue(sources, k); found {
		t.result.AddOrUpdate(k, best)
	} else {
		t.result.Remove(k)
	}
}

// OnUpdate records that one source's value for k changed from previous to
// v (§4.6).
func (t *ChangeSetMergeTracker[V, K]) OnUpdate(sources []*kvstream.ChangeSetCache[V, K], v V, k K, previous V) {
	published, ok := t.result.Get(k)
	if !ok {
		t.result.AddOrUpdate(k, v)
		return
	}
	publishedIsPrevious := t.valuesEqual(published, previous)

	if t.compare == nil {
		if publishedIsPrevious && !t.valuesEqual(published, v) {
			t.result.AddOrUpdate(k, v)
		}
		return
	}

	if publishedIsPrevious {
		if best, found := t.SelectValue(sources, k); found {
			t.result.AddOrUpdate(k, best)
		}
		return
	}
	if t.shouldReplace(v, published) {
		t.result.AddOrUpdate(k, v)
	}
}

// OnRefresh re-selects the best value for k when a comparer is active and
// an underlying source signalled k should be re-evaluated (§4.6). A
// re-selected best value that differs from the published one is published
// as an Update. If the selection is unchanged and v is the currently
// published value, a Refresh is recorded; otherwise the refresh is
// suppressed.
func (t *ChangeSetMergeTracker[V, K]) OnRefresh(sources []*kvstream.ChangeSetCache[V, K], v V, k K) {
	if t.compare == nil {
		if published, ok := t.result.Get(k); ok && t.valuesEqual(published, v) {
			t.result.Refresh(k)
		}
		return
	}
	best, found := t.SelectValue(sources, k)
	if !found {
		return
	}
	published, ok := t.result.Get(k)
	if ok && t.valuesEqual(best, published) {
		if t.valuesEqual(v, published) {
			t.result.Refresh(k)
		}
		return
	}
	t.result.AddOrUpdate(k, best)
}

// SelectValue iterates sources for k and returns the first present value
// (no comparer) or the minimum present value under compare.
func (t *ChangeSetMergeTracker[V, K]) SelectValue(sources []*kvstream.ChangeSetCache[V, K], k K) (V, bool) {
	var best V
	found := false
	for _, src := range sources {
		v, ok := src.Get(k)
		if !ok {
			continue
		}
		if !found {
			best = v
			found = true
			if t.compare == nil {
				return best, true
			}
			continue
		}
		if t.compare(v, best) < 0 {
			best = v
		}
	}
	return best, found
}

// RemoveItems withdraws every key in values from the tracker's result,
// re-selecting from sources as OnRemove would for each (used by
// MergeManyCacheChangeSets when an entire inner cache departs).
func (t *ChangeSetMergeTracker[V, K]) RemoveItems(values map[K]V, sources []*kvstream.ChangeSetCache[V, K]) {
	for k, v := range values {
		t.OnRemove(sources, v, k)
	}
}

// EmitChanges forwards the tracker's accumulated CaptureChanges() to
// observer if non-empty.
func (t *ChangeSetMergeTracker[V, K]) EmitChanges(observer kvstream.Observer[V, K]) {
	cs := t.result.CaptureChanges()
	if len(cs) == 0 {
		return
	}
	observer.OnNext(cs)
}

// MergeMany flattens per-key sub-observables into a single observable of
// destination values (§4.7), completing only when the parent and all
// children have completed.
type MergeMany[V any, D any, K comparable] struct {
	source   kvstream.Observable[V, K]
	selector ObservableSelector[V, D, K]
	emission kvstream.EmissionOptions
}

// NewMergeMany wraps source. selector resolves each key's destination
// sub-observable.
func NewMergeMany[V any, D any, K comparable](source kvstream.Observable[V, K], selector ObservableSelector[V, D, K], emission kvstream.EmissionOptions) *MergeMany[V, D, K] {
	return &MergeMany[V, D, K]{source: source, selector: selector, emission: emission}
}

// Subscribe starts merging for observer.
func (m *MergeMany[V, D, K]) Subscribe(ctx context.Context, observer kvstream.Observer[D, K]) kvstream.Subscription {
	parent := kvstream.NewParentChildSubscription[D, K](observer, m.emission, "merge-many")

	// subscribeChild subscribes the per-key sub-observable and returns the
	// resulting handle. It must be called with the parent lock NOT held: a
	// sub-observable is free to emit synchronously from inside Subscribe
	// (the engine's own Publisher replays a snapshot this way), and its
	// Next/Err/Completed callbacks each re-acquire parent.Lock(), which
	// would deadlock on Go's non-reentrant sync.Mutex if the caller were
	// still holding it.
	subscribeChild := func(key K, value V) kvstream.Subscription {
		return m.selector(ctx, key, value).Subscribe(ctx, kvstream.ObserverFunc[D, K]{
			Next: func(cs kvstream.ChangeSet[D, K]) {
				parent.Lock()
				defer parent.Unlock()
				for _, ch := range cs {
					switch ch.Reason {
					case kvstream.Remove:
						parent.Output.Remove(ch.Key)
					case kvstream.Refresh:
						parent.Output.Refresh(ch.Key)
					default:
						parent.Output.AddOrUpdate(ch.Key, ch.Current)
					}
				}
				parent.NotifyChildValue()
			},
			Err: func(err error) {
				parent.Lock()
				defer parent.Unlock()
				parent.NotifyError(err)
			},
			Completed: func() {
				parent.Lock()
				defer parent.Unlock()
				parent.NotifyChildCompleted(key)
			},
		})
	}

	upstream := m.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			parent.Lock()
			parent.BeginParentBatch()
			var toSubscribe []KeyValue[V, K]
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					toSubscribe = append(toSubscribe, KeyValue[V, K]{Key: ch.Key, Value: ch.Current})
				case kvstream.Remove:
					parent.DropChild(ch.Key)
					parent.Output.Remove(ch.Key)
				case kvstream.Refresh, kvstream.Moved:
				}
			}
			parent.EndParentBatch()
			parent.Unlock()

			for _, kv := range toSubscribe {
				sub := subscribeChild(kv.Key, kv.Value)
				parent.Lock()
				parent.SetChild(kv.Key, sub)
				parent.Unlock()
			}
		},
		Err: func(err error) {
			parent.Lock()
			defer parent.Unlock()
			parent.NotifyError(err)
		},
		Completed: func() {
			parent.Lock()
			defer parent.Unlock()
			parent.NotifyParentCompleted()
		},
	})
	parent.SetParentSubscription(upstream)
	return parent
}

// MergeChangeSets maintains a dynamically varying set of inner change
// streams (delivered as an observable-of-observables, represented here as
// a channel of (id, observable) pairs) and merges them through a shared
// ChangeSetMergeTracker (§4.7). A pendingUpdates counter, incremented
// before each inner subscription's emission acquires the lock and
// decremented after, coalesces bursts: the tracker only emits once the
// counter returns to zero.
type MergeChangeSets[V any, K comparable] struct {
	inner   <-chan IndexedSource[V, K]
	compare Comparer[V]
	equal   EqualityComparer[V]
}

// IndexedSource pairs an inner observable with a stable identity used to
// track its ChangeSetCache entry.
type IndexedSource[V any, K comparable] struct {
	ID     int
	Source kvstream.Observable[V, K]
}

// NewMergeChangeSets wraps a channel of inner sources arriving over time.
func NewMergeChangeSets[V any, K comparable](inner <-chan IndexedSource[V, K], compare Comparer[V], equal EqualityComparer[V]) *MergeChangeSets[V, K] {
	return &MergeChangeSets[V, K]{inner: inner, compare: compare, equal: equal}
}

// Subscribe starts the merge for observer.
func (m *MergeChangeSets[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	tracker := NewChangeSetMergeTracker[V, K](m.compare, m.equal)
	caches := make(map[int]*kvstream.ChangeSetCache[V, K])
	subs := make(map[int]kvstream.Subscription)
	var pendingUpdates atomic.Int32

	sourceList := func() []*kvstream.ChangeSetCache[V, K] {
		out := make([]*kvstream.ChangeSetCache[V, K], 0, len(caches))
		for _, c := range caches {
			out = append(out, c)
		}
		return out
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case idx, ok := <-m.inner:
				if !ok {
					return
				}
				mu.Lock()
				csCache := kvstream.NewChangeSetCache[V, K](idx.Source)
				caches[idx.ID] = csCache
				mu.Unlock()

				sub := csCache.Connect(ctx, kvstream.ObserverFunc[V, K]{
					Next: func(cs kvstream.ChangeSet[V, K]) {
						pendingUpdates.Add(1)
						mu.Lock()
						defer mu.Unlock()
						srcs := sourceList()
						for _, ch := range cs {
							switch ch.Reason {
							case kvstream.Add:
								tracker.OnAdd(ch.Current, ch.Key)
							case kvstream.Update:
								var prev V
								if ch.Previous != nil {
									prev = *ch.Previous
								}
								tracker.OnUpdate(srcs, ch.Current, ch.Key, prev)
							case kvstream.Remove:
								tracker.OnRemove(srcs, ch.Current, ch.Key)
							case kvstream.Refresh:
								tracker.OnRefresh(srcs, ch.Current, ch.Key)
							case kvstream.Moved:
							}
						}
						if pendingUpdates.Add(-1) == 0 {
							tracker.EmitChanges(observer)
						}
					},
					Err:       observer.OnError,
					Completed: func() {},
				})
				mu.Lock()
				subs[idx.ID] = sub
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	return disposer(func() {
		once.Do(func() { close(done) })
		mu.Lock()
		defer mu.Unlock()
		for _, sub := range subs {
			sub.Dispose()
		}
	})
}

// CacheSource pairs a key with an inner observable whose own change stream
// feeds the merge, for MergeManyCacheChangeSets (§4.7).
type CacheSource[V any, K comparable] struct {
	Source kvstream.Observable[V, K]
}

// MergeManyCacheChangeSets merges a parent change set whose values are
// themselves inner change streams (§4.7): on parent Add/Update for key k,
// the inner stream is subscribed; on Remove (or Update-replacement), the
// previous inner cache's published values are withdrawn via
// tracker.RemoveItems.
type MergeManyCacheChangeSets[V any, K comparable, PK comparable] struct {
	source  kvstream.Observable[CacheSource[V, K], PK]
	compare Comparer[V]
	equal   EqualityComparer[V]
}

// NewMergeManyCacheChangeSets wraps source, a change stream of inner
// caches keyed by PK.
func NewMergeManyCacheChangeSets[V any, K comparable, PK comparable](source kvstream.Observable[CacheSource[V, K], PK], compare Comparer[V], equal EqualityComparer[V]) *MergeManyCacheChangeSets[V, K, PK] {
	return &MergeManyCacheChangeSets[V, K, PK]{source: source, compare: compare, equal: equal}
}

// Subscribe starts the cache-of-caches merge for observer.
func (m *MergeManyCacheChangeSets[V, K, PK]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	tracker := NewChangeSetMergeTracker[V, K](m.compare, m.equal)
	caches := make(map[PK]*kvstream.ChangeSetCache[V, K])
	children := make(map[PK]kvstream.Subscription)
	childOrder := []PK{}
	remaining := 1
	disposed := false

	sourceList := func() []*kvstream.ChangeSetCache[V, K] {
		out := make([]*kvstream.ChangeSetCache[V, K], 0, len(caches))
		for _, c := range caches {
			out = append(out, c)
		}
		return out
	}

	decrementRemaining := func() {
		remaining--
		if remaining == 0 && !disposed {
			disposed = true
			observer.OnCompleted()
		}
	}

	// subscribeChild connects the inner cache for pk and must be called
	// with mu NOT held: Connect subscribes the inner source, which is free
	// to emit synchronously (the engine's own Publisher replays a snapshot
	// this way), and that emission's Next callback re-acquires mu, which
	// would deadlock on Go's non-reentrant sync.Mutex if the caller were
	// still holding it.
	subscribeChild := func(pk PK, src CacheSource[V, K]) {
		csCache := kvstream.NewChangeSetCache[V, K](src.Source)
		mu.Lock()
		caches[pk] = csCache
		mu.Unlock()

		sub := csCache.Connect(ctx, kvstream.ObserverFunc[V, K]{
			Next: func(cs kvstream.ChangeSet[V, K]) {
				mu.Lock()
				defer mu.Unlock()
				srcs := sourceList()
				for _, ch := range cs {
					switch ch.Reason {
					case kvstream.Add:
						tracker.OnAdd(ch.Current, ch.Key)
					case kvstream.Update:
						var prev V
						if ch.Previous != nil {
							prev = *ch.Previous
						}
						tracker.OnUpdate(srcs, ch.Current, ch.Key, prev)
					case kvstream.Remove:
						tracker.OnRemove(srcs, ch.Current, ch.Key)
					case kvstream.Refresh:
						tracker.OnRefresh(srcs, ch.Current, ch.Key)
					case kvstream.Moved:
					}
				}
				tracker.EmitChanges(observer)
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
				if _, ok := children[pk]; ok {
					delete(children, pk)
					decrementRemaining()
				}
			},
		})

		mu.Lock()
		if prior, ok := children[pk]; ok {
			prior.Dispose()
		} else {
			remaining++
		}
		children[pk] = sub
		childOrder = append(childOrder, pk)
		mu.Unlock()
	}

	upstream := m.source.Subscribe(ctx, kvstream.ObserverFunc[CacheSource[V, K], PK]{
		Next: func(cs kvstream.ChangeSet[CacheSource[V, K], PK]) {
			mu.Lock()
			var toSubscribe []KeyValue[CacheSource[V, K], PK]
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add:
					toSubscribe = append(toSubscribe, KeyValue[CacheSource[V, K], PK]{Key: ch.Key, Value: ch.Current})
				case kvstream.Update:
					if prevCache, ok := caches[ch.Key]; ok {
						withdrawn := prevCache.KeyValues()
						delete(caches, ch.Key)
						tracker.RemoveItems(withdrawn, sourceList())
					}
					toSubscribe = append(toSubscribe, KeyValue[CacheSource[V, K], PK]{Key: ch.Key, Value: ch.Current})
				case kvstream.Remove:
					if sub, ok := children[ch.Key]; ok {
						sub.Dispose()
						delete(children, ch.Key)
						decrementRemaining()
					}
					if prevCache, ok := caches[ch.Key]; ok {
						withdrawn := prevCache.KeyValues()
						delete(caches, ch.Key)
						tracker.RemoveItems(withdrawn, sourceList())
					}
				case kvstream.Refresh, kvstream.Moved:
				}
			}
			tracker.EmitChanges(observer)
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
