package kvstream

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"kvstream/core"
)

// RefCount gates access to a shared underlying observable resource: the
// first subscriber builds it, the last subscriber to disconnect disposes
// it, and every subscriber in between shares the one built instance
// (§4.10). This is the multicast-on-demand half of "cold, multicast-on-
// demand" from §6 — the resource itself stays cold (nothing runs until
// the first Subscribe) but is shared rather than rebuilt per-subscriber.
type RefCount[V any, K comparable] struct {
	mu    sync.Mutex
	build func(ctx context.Context, pub *Publisher[V, K]) (Subscription, error)

	count     int
	publisher *Publisher[V, K]
	upstream  Subscription
	log       *zap.Logger
}

// NewRefCount wraps build, the function that constructs and starts the
// shared resource, feeding it events through pub (typically by calling
// pub.Emit/Error/Complete from the resource's own goroutine). build is
// invoked again the next time a subscriber arrives after the count has
// dropped to zero.
func NewRefCount[V any, K comparable](build func(ctx context.Context, pub *Publisher[V, K]) (Subscription, error)) *RefCount[V, K] {
	return &RefCount[V, K]{
		build: build,
		log:   core.With(zap.String("component", "refcount")),
	}
}

// Subscribe registers observer with the shared resource, building it
// first if this is the first active subscriber.
func (r *RefCount[V, K]) Subscribe(ctx context.Context, observer Observer[V, K]) Subscription {
	r.mu.Lock()
	if r.count == 0 {
		pub := NewPublisher[V, K](nil)
		sub, err := r.build(ctx, pub)
		if err != nil {
			r.mu.Unlock()
			observer.OnError(err)
			return newFuncSubscription(nil)
		}
		r.publisher = pub
		r.upstream = sub
		r.log.Debug("refcount built shared resource")
	}
	r.count++
	pub := r.publisher
	r.mu.Unlock()

	inner := pub.Subscribe(ctx, observer)

	released := false
	var releaseMu sync.Mutex
	return newFuncSubscription(func() {
		inner.Dispose()

		releaseMu.Lock()
		if released {
			releaseMu.Unlock()
			return
		}
		released = true
		releaseMu.Unlock()

		r.mu.Lock()
		r.count--
		if r.count == 0 {
			if r.upstream != nil {
				r.upstream.Dispose()
			}
			r.upstream = nil
			r.publisher = nil
			r.log.Debug("refcount disposed shared resource")
		}
		r.mu.Unlock()
	})
}
