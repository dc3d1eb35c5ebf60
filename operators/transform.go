package operators

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"kvstream"
	"kvstream/core"
)

// Selector computes a destination value from a source value, its previous
// value (nil on first computation), and its key (§4.4).
type Selector[V any, D any, K comparable] func(current V, previous *V, key K) (D, error)

// Transform maps a V-keyed change stream to a D-keyed one by applying f to
// every Add/Update (§4.4). Errors from f are routed to onError if set,
// otherwise they tear down the subscription.
type Transform[V any, D any, K comparable] struct {
	source   kvstream.Observable[V, K]
	f        Selector[V, D, K]
	options  kvstream.TransformOptions
	onError  kvstream.ExceptionCallback[V, K]
	previous map[K]V
}

// NewTransform wraps source, computing each destination value with f.
// onError may be nil, in which case an error from f tears the subscription
// down via OnError.
func NewTransform[V any, D any, K comparable](source kvstream.Observable[V, K], f Selector[V, D, K], options kvstream.TransformOptions, onError kvstream.ExceptionCallback[V, K]) *Transform[V, D, K] {
	return &Transform[V, D, K]{source: source, f: f, options: options, onError: onError, previous: make(map[K]V)}
}

// Subscribe starts transforming for observer.
func (t *Transform[V, D, K]) Subscribe(ctx context.Context, observer kvstream.Observer[D, K]) kvstream.Subscription {
	var mu sync.Mutex
	cache := kvstream.NewChangeAwareCache[D, K]()
	log := core.With(zap.String("component", "transform"))

	compute := func(key K, current V) (D, error) {
		var prevPtr *V
		if p, ok := t.previous[key]; ok {
			prevPtr = &p
		}
		return t.f(current, prevPtr, key)
	}

	return t.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			var fatal error
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					d, err := compute(ch.Key, ch.Current)
					if err != nil {
						if t.onError != nil {
							t.onError(err, ch.Current, ch.Key)
							continue
						}
						fatal = &kvstream.ItemError[V, K]{Err: err, Value: ch.Current, Key: ch.Key}
						break
					}
					cache.AddOrUpdate(ch.Key, d)
					t.previous[ch.Key] = ch.Current
				case kvstream.Remove:
					cache.Remove(ch.Key)
					delete(t.previous, ch.Key)
				case kvstream.Refresh:
					if t.options.TransformOnRefresh {
						d, err := compute(ch.Key, ch.Current)
						if err != nil {
							if t.onError != nil {
								t.onError(err, ch.Current, ch.Key)
								continue
							}
							fatal = &kvstream.ItemError[V, K]{Err: err, Value: ch.Current, Key: ch.Key}
							break
						}
						cache.AddOrUpdate(ch.Key, d)
						t.previous[ch.Key] = ch.Current
					} else {
						cache.Refresh(ch.Key)
					}
				case kvstream.Moved:
					// dropped: a Transform has no positional concept of its own.
				}
				if fatal != nil {
					break
				}
			}
			if fatal != nil {
				log.Debug("transform failing subscription", zap.Error(fatal))
				observer.OnError(fatal)
				return
			}
			out := cache.CaptureChanges()
			if !kvstream.ShouldEmit(t.options.EmissionOptions, out) {
				return
			}
			observer.OnNext(out)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}

// AsyncSelector is the async counterpart of Selector (§4.4, TransformAsync).
type AsyncSelector[V any, D any, K comparable] func(ctx context.Context, current V, previous *V, key K) (D, error)

// TransformAsync behaves like Transform but f also receives the
// subscription's context; f is called on the goroutine delivering the
// upstream batch, and batches are serialised with a one-permit semaphore so they apply to the shared
// cache in the order they were observed, matching the async-transform
// ordering rule of §5. A transformation that replaces an existing
// destination produces Update rather than Add.
type TransformAsync[V any, D any, K comparable] struct {
	source  kvstream.Observable[V, K]
	f       AsyncSelector[V, D, K]
	options kvstream.TransformOptions
	onError kvstream.ExceptionCallback[V, K]
}

// NewTransformAsync wraps source with an asynchronous transform function.
func NewTransformAsync[V any, D any, K comparable](source kvstream.Observable[V, K], f AsyncSelector[V, D, K], options kvstream.TransformOptions, onError kvstream.ExceptionCallback[V, K]) *TransformAsync[V, D, K] {
	return &TransformAsync[V, D, K]{source: source, f: f, options: options, onError: onError}
}

// Subscribe starts transforming for observer.
func (t *TransformAsync[V, D, K]) Subscribe(ctx context.Context, observer kvstream.Observer[D, K]) kvstream.Subscription {
	var mu sync.Mutex
	cache := kvstream.NewChangeAwareCache[D, K]()
	previous := make(map[K]V)
	sem := make(chan struct{}, 1)
	sem <- struct{}{}

	applyBatch := func(cs kvstream.ChangeSet[V, K]) {
		<-sem
		defer func() { sem <- struct{}{} }()

		mu.Lock()
		defer mu.Unlock()
		for _, ch := range cs {
			switch ch.Reason {
			case kvstream.Add, kvstream.Update:
				var prevPtr *V
				if p, ok := previous[ch.Key]; ok {
					prevPtr = &p
				}
				d, err := t.f(ctx, ch.Current, prevPtr, ch.Key)
				if err != nil {
					if t.onError != nil {
						t.onError(err, ch.Current, ch.Key)
						continue
					}
					observer.OnError(&kvstream.ItemError[V, K]{Err: err, Value: ch.Current, Key: ch.Key})
					return
				}
				cache.AddOrUpdate(ch.Key, d)
				previous[ch.Key] = ch.Current
			case kvstream.Remove:
				cache.Remove(ch.Key)
				delete(previous, ch.Key)
			case kvstream.Refresh:
				cache.Refresh(ch.Key)
			case kvstream.Moved:
			}
		}
		out := cache.CaptureChanges()
		if !kvstream.ShouldEmit(t.options.EmissionOptions, out) {
			return
		}
		observer.OnNext(out)
	}

	return t.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next:      applyBatch,
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}

// InlineUpdater mutates an existing destination object in place, given the
// current source value, for TransformWithInlineUpdate (§4.4).
type InlineUpdater[V any, D any, K comparable] func(dest *D, current V, key K)

// TransformWithInlineUpdate applies f once on Add to create D, then on
// Update (and, if configured, Refresh) mutates the existing destination in
// place via update and re-emits it as a Refresh rather than an Update
// (§4.4). An Update for a key with no prior destination is an error.
type TransformWithInlineUpdate[V any, D any, K comparable] struct {
	source         kvstream.Observable[V, K]
	create         Selector[V, D, K]
	update         InlineUpdater[V, D, K]
	updateOnRefresh bool
	options        kvstream.TransformOptions
}

// NewTransformWithInlineUpdate wraps source. create builds the destination
// on Add; update mutates it in place thereafter.
func NewTransformWithInlineUpdate[V any, D any, K comparable](source kvstream.Observable[V, K], create Selector[V, D, K], update InlineUpdater[V, D, K], updateOnRefresh bool, options kvstream.TransformOptions) *TransformWithInlineUpdate[V, D, K] {
	return &TransformWithInlineUpdate[V, D, K]{source: source, create: create, update: update, updateOnRefresh: updateOnRefresh, options: options}
}

// Subscribe starts the inline-update transform for observer.
func (t *TransformWithInlineUpdate[V, D, K]) Subscribe(ctx context.Context, observer kvstream.Observer[D, K]) kvstream.Subscription {
	var mu sync.Mutex
	cache := kvstream.NewChangeAwareCache[D, K]()
	dest := make(map[K]*D)

	mutateAndRefresh := func(key K, current V) error {
		d, ok := dest[key]
		if !ok {
			return kvstream.ErrMissingDestination
		}
		t.update(d, current, key)
		cache.Refresh(key)
		return nil
	}

	return t.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add:
					d, err := t.create(ch.Current, nil, ch.Key)
					if err != nil {
						observer.OnError(&kvstream.ItemError[V, K]{Err: err, Value: ch.Current, Key: ch.Key})
						return
					}
					dest[ch.Key] = &d
					cache.AddOrUpdate(ch.Key, d)
				case kvstream.Update:
					if err := mutateAndRefresh(ch.Key, ch.Current); err != nil {
						observer.OnError(&kvstream.ItemError[V, K]{Err: err, Value: ch.Current, Key: ch.Key})
						return
					}
				case kvstream.Refresh:
					if t.updateOnRefresh {
						if err := mutateAndRefresh(ch.Key, ch.Current); err != nil {
							observer.OnError(&kvstream.ItemError[V, K]{Err: err, Value: ch.Current, Key: ch.Key})
							return
						}
					} else {
						cache.Refresh(ch.Key)
					}
				case kvstream.Remove:
					delete(dest, ch.Key)
					cache.Remove(ch.Key)
				case kvstream.Moved:
				}
			}
			out := cache.CaptureChanges()
			// The cache holds each destination as it was when stored; report
			// the destination as update has since mutated it.
			for i := range out {
				if d, ok := dest[out[i].Key]; ok && out[i].Reason != kvstream.Remove {
					out[i].Current = *d
				}
			}
			if !kvstream.ShouldEmit(t.options.EmissionOptions, out) {
				return
			}
			observer.OnNext(out)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}

// ObservableSelector resolves the per-item observable driving
// TransformOnObservable (§4.4).
type ObservableSelector[V any, D any, K comparable] func(ctx context.Context, key K, value V) kvstream.Observable[D, K]

// TransformOnObservable computes each destination value from a per-item
// observable rather than a pure function, following the §4.2 parent/child
// protocol. A child's repeated identical emissions are suppressed
// (DistinctUntilChanged), matching the per-item distinct discipline §4.4
// documents for this operator.
type TransformOnObservable[V any, D any, K comparable] struct {
	source   kvstream.Observable[V, K]
	selector ObservableSelector[V, D, K]
	emission kvstream.EmissionOptions
	equal    func(a, b D) bool
}

// NewTransformOnObservable wraps source. equal, if nil, defaults to never
// suppressing (every emission from the per-item observable is forwarded).
func NewTransformOnObservable[V any, D any, K comparable](source kvstream.Observable[V, K], selector ObservableSelector[V, D, K], emission kvstream.EmissionOptions, equal func(a, b D) bool) *TransformOnObservable[V, D, K] {
	if equal == nil {
		equal = func(D, D) bool { return false }
	}
	return &TransformOnObservable[V, D, K]{source: source, selector: selector, emission: emission, equal: equal}
}

// Subscribe starts the observable-driven transform for observer.
func (t *TransformOnObservable[V, D, K]) Subscribe(ctx context.Context, observer kvstream.Observer[D, K]) kvstream.Subscription {
	parent := kvstream.NewParentChildSubscription[D, K](observer, t.emission, "transform-on-observable")
	last := make(map[K]D)
	haveLast := make(map[K]bool)

	// subscribeChild must be called with the parent lock NOT held: a
	// sub-observable is free to emit synchronously from inside Subscribe
	// (the engine's own Publisher replays a snapshot this way), and its
	// Next/Err/Completed callbacks each re-acquire parent.Lock(), which
	// would deadlock on Go's non-reentrant sync.Mutex if the caller were
	// still holding it.
	subscribeChild := func(key K, value V) kvstream.Subscription {
		return t.selector(ctx, key, value).Subscribe(ctx, kvstream.ObserverFunc[D, K]{
			Next: func(cs kvstream.ChangeSet[D, K]) {
				parent.Lock()
				defer parent.Unlock()
				changed := false
				for _, ch := range cs {
					if ch.Reason == kvstream.Remove {
						continue
					}
					if haveLast[key] && t.equal(last[key], ch.Current) {
						continue
					}
					last[key] = ch.Current
					haveLast[key] = true
					parent.Output.AddOrUpdate(key, ch.Current)
					changed = true
				}
				if changed {
					parent.NotifyChildValue()
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
				parent.NotifyChildCompleted(key)
			},
		})
	}

	upstream := t.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			parent.Lock()
			parent.BeginParentBatch()
			var toSubscribe []KeyValue[V, K]
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					toSubscribe = append(toSubscribe, KeyValue[V, K]{Key: ch.Key, Value: ch.Current})
				case kvstream.Remove:
					delete(last, ch.Key)
					delete(haveLast, ch.Key)
					parent.DropChild(ch.Key)
					parent.Output.Remove(ch.Key)
				case kvstream.Refresh:
					parent.Output.Refresh(ch.Key)
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
