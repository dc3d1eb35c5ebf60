package kvstream

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"kvstream/core"
)

// Observer receives a cold, multicast-on-demand sequence of ChangeSet[V,K]
// values, terminated by at most one of OnError/OnCompleted (never both).
type Observer[V any, K comparable] interface {
	OnNext(ChangeSet[V, K])
	OnError(error)
	OnCompleted()
}

// Subscription represents one active registration with an Observable.
// Dispose is idempotent: calling it more than once, or after the source
// has already completed/errored, has no effect.
type Subscription interface {
	Dispose()
}

// Observable is the engine's upstream contract: subscribing registers an
// Observer and returns a Subscription that tears the registration down.
// Implementations documented as "observable caches" send a new subscriber
// an initial Add-only replay batch of their current state before
// forwarding any live changes (see §6 of the specification this engine
// implements).
type Observable[V any, K comparable] interface {
	Subscribe(ctx context.Context, observer Observer[V, K]) Subscription
}

// funcSubscription adapts a plain func() into a Subscription, guarding
// against double-dispose with sync.Once — the same idempotent-disposal
// discipline the teacher applies via its storage's closed flag.
type funcSubscription struct {
	once sync.Once
	fn   func()
}

func newFuncSubscription(fn func()) *funcSubscription {
	return &funcSubscription{fn: fn}
}

func (s *funcSubscription) Dispose() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// Publisher is a synchronous multicast point: Emit calls every registered
// observer's OnNext in subscription order, after taking a snapshot of the
// observers under Publisher's own lock and releasing it.
// This realizes the "single-threaded cooperative per operator instance"
// scheduling model of §5 — an operator's emission is one direct function
// call down the chain, not a buffered or asynchronous handoff. Asynchrony
// at the edges of the engine (an external database or message bus) is
// confined to source adapters (see package sources), which translate
// their own async notifications into calls to a Publisher's Emit/Error/
// Complete from a single dedicated goroutine.
type Publisher[V any, K comparable] struct {
	mu          sync.Mutex
	nextID      int64
	subscribers map[int64]Observer[V, K]
	snapshot    func() ChangeSet[V, K]
	done        bool
	err         error
	log         *zap.Logger
}

// NewPublisher returns a Publisher. snapshot, if non-nil, is invoked once
// per new subscriber to produce the initial replay batch; pass nil for
// operators that are not "observable caches" in the sense of §6.
func NewPublisher[V any, K comparable](snapshot func() ChangeSet[V, K]) *Publisher[V, K] {
	return &Publisher[V, K]{
		subscribers: make(map[int64]Observer[V, K]),
		snapshot:    snapshot,
		log:         core.With(zap.String("component", "publisher")),
	}
}

// Subscribe registers observer, first delivering a snapshot replay batch
// (if configured) synchronously before returning. Subscribing to an
// already-completed or already-errored Publisher immediately delivers the
// terminal notification and returns a no-op Subscription.
func (p *Publisher[V, K]) Subscribe(ctx context.Context, observer Observer[V, K]) Subscription {
	p.mu.Lock()
	if p.done {
		err := p.err
		p.mu.Unlock()
		if err != nil {
			observer.OnError(err)
		} else {
			observer.OnCompleted()
		}
		return newFuncSubscription(nil)
	}

	id := p.nextID
	p.nextID++
	p.subscribers[id] = observer

	var initial ChangeSet[V, K]
	if p.snapshot != nil {
		initial = p.snapshot()
	}
	p.mu.Unlock()

	if len(initial) > 0 {
		observer.OnNext(initial)
	}

	sub := newFuncSubscription(func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	})

	if ctx != nil {
		go func() {
			<-ctx.Done()
			sub.Dispose()
		}()
	}

	return sub
}

// Emit broadcasts changeSet to every currently registered observer, in
// subscription order. A nil or empty changeSet is still delivered — the
// suppressEmptyChangeSets policy is an operator-level decision, made
// before calling Emit, not something Publisher second-guesses.
func (p *Publisher[V, K]) Emit(changeSet ChangeSet[V, K]) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	observers := p.snapshotObserversLocked()
	p.mu.Unlock()

	for _, obs := range observers {
		obs.OnNext(changeSet)
	}
}

// Error forwards err to every observer and marks the Publisher terminally
// errored; further Subscribe calls receive err immediately and further
// Emit/Complete calls are no-ops.
func (p *Publisher[V, K]) Error(err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.err = err
	observers := p.snapshotObserversLocked()
	p.subscribers = nil
	p.mu.Unlock()

	p.log.Debug("publisher terminated with error", zap.Error(err))
	for _, obs := range observers {
		obs.OnError(err)
	}
}

// Complete forwards OnCompleted to every observer and marks the Publisher
// terminally completed.
func (p *Publisher[V, K]) Complete() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	observers := p.snapshotObserversLocked()
	p.subscribers = nil
	p.mu.Unlock()

	for _, obs := range observers {
		obs.OnCompleted()
	}
}

// snapshotObserversLocked returns the currently registered observers in
// subscription order. Subscriber ids are assigned from a monotonically
// increasing counter in Subscribe, so sorting by id recovers that order
// without a separate insertion-order slice.
func (p *Publisher[V, K]) snapshotObserversLocked() []Observer[V, K] {
	ids := make([]int64, 0, len(p.subscribers))
	for id := range p.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Observer[V, K], 0, len(ids))
	for _, id := range ids {
		out = append(out, p.subscribers[id])
	}
	return out
}

// ObserverFunc adapts three plain functions into an Observer, convenient
// for tests and for operators that only care about one or two of the
// three notifications.
type ObserverFunc[V any, K comparable] struct {
	Next      func(ChangeSet[V, K])
	Err       func(error)
	Completed func()
}

func (f ObserverFunc[V, K]) OnNext(cs ChangeSet[V, K]) {
	if f.Next != nil {
		f.Next(cs)
	}
}

func (f ObserverFunc[V, K]) OnError(err error) {
	if f.Err != nil {
		f.Err(err)
	}
}

func (f ObserverFunc[V, K]) OnCompleted() {
	if f.Completed != nil {
		f.Completed()
	}
}
