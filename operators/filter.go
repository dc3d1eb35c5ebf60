// Package operators implements the composable change-set operators of the
// engine: each type here consumes one or more kvstream.Observable change
// streams and produces another, following the parent/child subscription
// discipline of kvstream.ParentChildSubscription where a component needs
// per-key sub-observables, or a simpler private kvstream.ChangeAwareCache
// where it does not.
package operators

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"kvstream"
	"kvstream/core"
)

// Predicate reports whether a value currently belongs in a filtered stream.
type Predicate[V any] func(V) bool

// StaticFilter filters a change stream by a fixed predicate (§4.3). It
// holds a private ChangeAwareCache mirroring which keys currently pass.
type StaticFilter[V any, K comparable] struct {
	source    kvstream.Observable[V, K]
	predicate Predicate[V]
	emission  kvstream.EmissionOptions
}

// NewStaticFilter wraps source, forwarding only values for which predicate
// returns true.
func NewStaticFilter[V any, K comparable](source kvstream.Observable[V, K], predicate Predicate[V], emission kvstream.EmissionOptions) *StaticFilter[V, K] {
	return &StaticFilter[V, K]{source: source, predicate: predicate, emission: emission}
}

// Subscribe starts filtering for observer.
func (f *StaticFilter[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	cache := kvstream.NewChangeAwareCache[V, K]()
	log := core.With(zap.String("component", "static-filter"))

	applyAndEmit := func(cs kvstream.ChangeSet[V, K]) {
		mu.Lock()
		defer mu.Unlock()
		applyStaticFilter(cache, f.predicate, cs)
		out := cache.CaptureChanges()
		if !kvstream.ShouldEmit(f.emission, out) {
			return
		}
		observer.OnNext(out)
	}

	inner := f.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: applyAndEmit,
		Err: func(err error) {
			log.Debug("upstream error", zap.Error(err))
			observer.OnError(err)
		},
		Completed: observer.OnCompleted,
	})
	return inner
}

// applyStaticFilter applies the StaticFilter truth table from §4.3 to a
// single upstream change set, mutating dst in place. It is shared by
// StaticFilter and DynamicFilter (the latter re-runs it on every change
// batch using whatever predicate is currently active).
func applyStaticFilter[V any, K comparable](dst *kvstream.ChangeAwareCache[V, K], predicate Predicate[V], cs kvstream.ChangeSet[V, K]) {
	for _, ch := range cs {
		switch ch.Reason {
		case kvstream.Add, kvstream.Update:
			if predicate(ch.Current) {
				dst.AddOrUpdate(ch.Key, ch.Current)
			} else if ch.Reason == kvstream.Update {
				dst.Remove(ch.Key)
			}
		case kvstream.Remove:
			dst.Remove(ch.Key)
		case kvstream.Refresh:
			_, inFilter := dst.Get(ch.Key)
			passes := predicate(ch.Current)
			switch {
			case inFilter && passes:
				dst.Refresh(ch.Key)
			case inFilter && !passes:
				dst.Remove(ch.Key)
			case !inFilter && passes:
				dst.AddOrUpdate(ch.Key, ch.Current)
			}
		case kvstream.Moved:
			// no-op: filtering does not carry index information.
		}
	}
}

// DynamicFilter re-applies a predicate that itself changes over time
// (§4.3). It maintains allData (the unfiltered mirror) plus filteredData
// (the ChangeAwareCache of currently-passing items) under one lock shared
// by both the predicate stream and the change stream.
type DynamicFilter[V any, K comparable] struct {
	source     kvstream.Observable[V, K]
	predicates <-chan Predicate[V]
	refilter   <-chan struct{}
	emission   kvstream.EmissionOptions
}

// NewDynamicFilter wraps source. predicates delivers a new predicate
// whenever the filter criteria changes; refilter, if non-nil, re-applies
// the current predicate on demand (e.g. because the predicate closes over
// mutable external state).
func NewDynamicFilter[V any, K comparable](source kvstream.Observable[V, K], predicates <-chan Predicate[V], refilter <-chan struct{}, emission kvstream.EmissionOptions) *DynamicFilter[V, K] {
	return &DynamicFilter[V, K]{source: source, predicates: predicates, refilter: refilter, emission: emission}
}

// Subscribe starts the dynamic filter for observer.
func (f *DynamicFilter[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	allData := kvstream.NewCache[V, K]()
	filtered := kvstream.NewChangeAwareCache[V, K]()
	var current Predicate[V] = func(V) bool { return false }

	emit := func() {
		out := filtered.CaptureChanges()
		if !kvstream.ShouldEmit(f.emission, out) {
			return
		}
		observer.OnNext(out)
	}

	reevaluateAll := func() {
		for k, v := range allData.KeyValues() {
			_, inFilter := filtered.Get(k)
			passes := current(v)
			switch {
			case passes && !inFilter:
				filtered.AddOrUpdate(k, v)
			case !passes && inFilter:
				filtered.Remove(k)
			}
		}
	}

	upstream := f.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			allData.Clone(cs)
			applyStaticFilter(filtered, current, cs)
			emit()
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})

	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	go func() {
		for {
			select {
			case p, ok := <-f.predicates:
				if !ok {
					return
				}
				mu.Lock()
				current = p
				reevaluateAll()
				emit()
				mu.Unlock()
			case _, ok := <-f.refilter:
				if !ok {
					return
				}
				mu.Lock()
				reevaluateAll()
				emit()
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	return disposer(func() {
		closeDone()
		upstream.Dispose()
	})
}

// disposer adapts a plain func into a kvstream.Subscription, for operators
// in this package that need a bespoke teardown action rather than
// composing an existing Subscription.
type disposer func()

func (d disposer) Dispose() { d() }

// FilterImmutable applies predicate to each upstream change without
// maintaining any cache of its own (§4.3): it is index-lossy and stateless
// across calls, converting each Add/Update/Remove/Refresh into whatever
// the predicate truth table implies for that single change, or dropping it.
type FilterImmutable[V any, K comparable] struct {
	source    kvstream.Observable[V, K]
	predicate Predicate[V]
	emission  kvstream.EmissionOptions
}

// NewFilterImmutable wraps source with a stateless predicate filter.
func NewFilterImmutable[V any, K comparable](source kvstream.Observable[V, K], predicate Predicate[V], emission kvstream.EmissionOptions) *FilterImmutable[V, K] {
	return &FilterImmutable[V, K]{source: source, predicate: predicate, emission: emission}
}

// Subscribe starts the stateless filter for observer. Because it carries
// no membership cache, an Update is converted using only the change's own
// Current/Previous values: Previous passing and Current not passing
// becomes Remove; Previous not passing and Current passing becomes Add;
// both passing stays Update; neither passing is dropped.
func (f *FilterImmutable[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	return f.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			out := make(kvstream.ChangeSet[V, K], 0, len(cs))
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add:
					if f.predicate(ch.Current) {
						out = append(out, ch)
					}
				case kvstream.Remove:
					if f.predicate(ch.Current) {
						out = append(out, ch)
					}
				case kvstream.Update:
					wasIn := ch.Previous != nil && f.predicate(*ch.Previous)
					isIn := f.predicate(ch.Current)
					switch {
					case wasIn && isIn:
						out = append(out, ch)
					case wasIn && !isIn:
						out = append(out, kvstream.NewRemoveChange[V, K](ch.Key, *ch.Previous))
					case !wasIn && isIn:
						out = append(out, kvstream.NewAddChange[V, K](ch.Key, ch.Current))
					}
				case kvstream.Refresh:
					if f.predicate(ch.Current) {
						out = append(out, ch)
					}
				case kvstream.Moved:
					out = append(out, ch)
				}
			}
			if !kvstream.ShouldEmit(f.emission, out) {
				return
			}
			observer.OnNext(out)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}

// PassesSelector resolves, for a given value, the sub-observable of
// booleans driving FilterOnObservable's per-item "passes" flag.
type PassesSelector[V any, K comparable] func(ctx context.Context, key K, value V) kvstream.Observable[bool, K]

// FilterOnObservable drives per-item membership from a per-item
// observable<bool> (§4.3): each boolean transition directly adds the
// item's latest value to the output (true) or removes it (false); no
// synthetic Refresh change is produced and transitions are not buffered
// in time. It follows the parent/child subscription protocol of §4.2.
type FilterOnObservable[V any, K comparable] struct {
	source   kvstream.Observable[V, K]
	selector PassesSelector[V, K]
	emission kvstream.EmissionOptions
}

// NewFilterOnObservable wraps source; selector is invoked once per key on
// Add (and again on Update, replacing the prior sub-observable).
func NewFilterOnObservable[V any, K comparable](source kvstream.Observable[V, K], selector PassesSelector[V, K], emission kvstream.EmissionOptions) *FilterOnObservable[V, K] {
	return &FilterOnObservable[V, K]{source: source, selector: selector, emission: emission}
}

// Subscribe starts the observable-driven filter for observer.
func (f *FilterOnObservable[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	parent := kvstream.NewParentChildSubscription[V, K](observer, f.emission, "filter-on-observable")
	latest := make(map[K]V)
	passes := make(map[K]bool)

	// subscribeChild must be called with the parent lock NOT held: a
	// sub-observable is free to emit synchronously from inside Subscribe
	// (the engine's own Publisher replays a snapshot this way), and its
	// Next/Err/Completed callbacks each re-acquire parent.Lock(), which
	// would deadlock on Go's non-reentrant sync.Mutex if the caller were
	// still holding it.
	subscribeChild := func(key K, value V) kvstream.Subscription {
		return f.selector(ctx, key, value).Subscribe(ctx, kvstream.ObserverFunc[bool, K]{
			Next: func(cs kvstream.ChangeSet[bool, K]) {
				parent.Lock()
				defer parent.Unlock()
				for _, ch := range cs {
					if ch.Reason == kvstream.Remove {
						continue
					}
					if passes[key] == ch.Current {
						continue
					}
					passes[key] = ch.Current
					v := latest[key]
					if ch.Current {
						parent.Output.AddOrUpdate(key, v)
					} else {
						parent.Output.Remove(key)
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

	upstream := f.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			parent.Lock()
			parent.BeginParentBatch()
			var toSubscribe []KeyValue[V, K]
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					latest[ch.Key] = ch.Current
					passes[ch.Key] = false
					toSubscribe = append(toSubscribe, KeyValue[V, K]{Key: ch.Key, Value: ch.Current})
				case kvstream.Remove:
					delete(latest, ch.Key)
					delete(passes, ch.Key)
					parent.DropChild(ch.Key)
					parent.Output.Remove(ch.Key)
				case kvstream.Refresh:
					if passes[ch.Key] {
						parent.Output.Refresh(ch.Key)
					}
				case kvstream.Moved:
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
