package kvstream

import (
	"sync"

	"go.uber.org/zap"
	"kvstream/core"
	"kvstream/internal/codec"
)

// ParentChildSubscription is the reusable state machine described in §4.2:
// it ties one upstream ("parent") subscription plus a map of per-key
// ("child") sub-observable subscriptions to a single downstream Observer,
// under one shared mutex, with coalesced emission and joint completion.
//
// Every exported method except Lock, Unlock, SetParentSubscription, and
// Dispose assumes the
// caller already holds the subscription's mutex (via Lock/Unlock) — this
// lets an operator do all of its parent-batch or child-value handling,
// including emission and completion bookkeeping, inside one critical
// section, matching the "all work executes under [the shared lock]"
// requirement of §4.2 step 1. Dispose manages its own locking because it
// is invoked from outside any such handler (it is the Subscription handle
// returned to the caller of an operator's Subscribe).
type ParentChildSubscription[DV any, K comparable] struct {
	mu         sync.Mutex
	children   map[K]Subscription
	order      []K
	parentSub  Subscription
	remaining  int // 1 for the parent, +1 per live child; 0 triggers OnCompleted
	parentUpdate bool
	disposed   bool
	downstream Observer[DV, K]
	// Output is the operator's private ChangeAwareCache: operators mutate
	// it directly while holding the lock, then call NotifyChildValue or
	// rely on EndParentBatch to decide whether/when to capture and emit.
	Output   *ChangeAwareCache[DV, K]
	emission EmissionOptions
	log      *zap.Logger
}

// NewParentChildSubscription constructs a subscription-scoped state
// machine forwarding to downstream. component names the operator for log
// lines (e.g. "group-on-observable").
func NewParentChildSubscription[DV any, K comparable](downstream Observer[DV, K], emission EmissionOptions, component string) *ParentChildSubscription[DV, K] {
	return &ParentChildSubscription[DV, K]{
		children:   make(map[K]Subscription),
		remaining:  1,
		downstream: downstream,
		Output:     NewChangeAwareCache[DV, K](),
		emission:   emission,
		log:        core.With(zap.String("component", component)),
	}
}

// Lock acquires the subscription's shared mutex.
func (p *ParentChildSubscription[DV, K]) Lock() { p.mu.Lock() }

// Unlock releases the subscription's shared mutex.
func (p *ParentChildSubscription[DV, K]) Unlock() { p.mu.Unlock() }

// SetParentSubscription records the upstream subscription handle so
// Dispose can tear it down. Call once, after subscribing upstream.
func (p *ParentChildSubscription[DV, K]) SetParentSubscription(sub Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parentSub = sub
}

// BeginParentBatch marks the start of upstream change-set processing:
// while set, child-triggered emissions are coalesced rather than
// forwarded immediately. Call at the top of the parent OnNext handler.
func (p *ParentChildSubscription[DV, K]) BeginParentBatch() {
	p.parentUpdate = true
}

// EndParentBatch clears the parent-batch flag and emits whatever the
// batch (plus any coalesced child activity) accumulated in Output. Call
// at the end of the parent OnNext handler.
func (p *ParentChildSubscription[DV, K]) EndParentBatch() {
	p.parentUpdate = false
	p.emitLocked()
}

// SetChild installs sub as the child subscription for key, disposing any
// existing one first (§4.2 step 3: "dispose any existing child for k,
// then subscribe to the new sub-observable").
func (p *ParentChildSubscription[DV, K]) SetChild(key K, sub Subscription) {
	if prior, ok := p.children[key]; ok {
		prior.Dispose()
	} else {
		p.remaining++
	}
	p.children[key] = sub
	p.order = append(p.order, key)
}

// DropChild disposes and forgets the child subscription for key, if any,
// decrementing the completion counter. Used when the parent stream
// removes key (§4.2 step 4); a child's OnCompleted goes through
// NotifyChildCompleted instead.
func (p *ParentChildSubscription[DV, K]) DropChild(key K) {
	sub, ok := p.children[key]
	if !ok {
		return
	}
	sub.Dispose()
	delete(p.children, key)
	p.decrementRemainingLocked()
}

// NotifyChildValue applies the emission discipline of §4.2 step 5 after a
// child's OnNext handler has mutated Output: emit immediately if no
// parent batch is in flight, otherwise let EndParentBatch capture it.
func (p *ParentChildSubscription[DV, K]) NotifyChildValue() {
	if !p.parentUpdate {
		p.emitLocked()
	}
}

func (p *ParentChildSubscription[DV, K]) emitLocked() {
	if p.disposed {
		return
	}
	cs := p.Output.CaptureChanges()
	if !ShouldEmit(p.emission, cs) {
		return
	}
	if p.log.Core().Enabled(zap.DebugLevel) {
		for _, ch := range cs {
			if ch.Reason != Update || ch.Previous == nil {
				continue
			}
			if diff, ok := codec.Diff(*ch.Previous, ch.Current); ok {
				p.log.Debug("update", core.KeyField(ch.Key), diff)
			}
		}
	}
	p.downstream.OnNext(cs)
}

// NotifyParentCompleted records that the parent stream has completed.
func (p *ParentChildSubscription[DV, K]) NotifyParentCompleted() {
	p.decrementRemainingLocked()
}

// NotifyChildCompleted records that the child for key has completed on
// its own (as opposed to being torn down by DropChild).
func (p *ParentChildSubscription[DV, K]) NotifyChildCompleted(key K) {
	if _, ok := p.children[key]; ok {
		delete(p.children, key)
		p.decrementRemainingLocked()
	}
}

func (p *ParentChildSubscription[DV, K]) decrementRemainingLocked() {
	p.remaining--
	if p.remaining == 0 && !p.disposed {
		p.disposed = true
		p.downstream.OnCompleted()
	}
}

// NotifyError forwards err downstream immediately and tears the whole
// subscription down (§4.2 step 7, §5 failure policy).
func (p *ParentChildSubscription[DV, K]) NotifyError(err error) {
	if p.disposed {
		return
	}
	p.disposed = true
	p.log.Debug("subscription terminated with error", zap.Error(err))
	p.downstream.OnError(err)
	p.disposeInternal()
}

// Dispose tears down every child subscription, in reverse insertion
// order, then the parent subscription. Idempotent.
func (p *ParentChildSubscription[DV, K]) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	p.disposeInternal()
}

func (p *ParentChildSubscription[DV, K]) disposeInternal() {
	for i := len(p.order) - 1; i >= 0; i-- {
		key := p.order[i]
		if sub, ok := p.children[key]; ok {
			sub.Dispose()
			delete(p.children, key)
		}
	}
	p.order = nil
	if p.parentSub != nil {
		p.parentSub.Dispose()
		p.parentSub = nil
	}
}
