package operators

import (
	"context"
	"sort"
	"sync"
	"time"

	"kvstream"
)

// Reevaluator resolves the per-item observable whose emissions drive an
// AutoRefresh (§4.10): each emission becomes a synthetic Refresh change.
type Reevaluator[V any, K comparable] func(ctx context.Context, key K, value V) kvstream.Observable[struct{}, K]

// AutoRefresh subscribes a user-provided re-evaluator observable per item
// and converts each of its emissions into a Refresh(k, current) change
// (§4.10). Emissions may be batched by an optional time window on the
// injected scheduler.
type AutoRefresh[V any, K comparable] struct {
	source     kvstream.Observable[V, K]
	reevaluate Reevaluator[V, K]
	scheduler  kvstream.Scheduler
	buffer     time.Duration // zero disables batching: every refresh is emitted immediately
}

// NewAutoRefresh wraps source. If buffer > 0, refreshes accumulated within
// that window (measured on scheduler) are coalesced into one batch.
func NewAutoRefresh[V any, K comparable](source kvstream.Observable[V, K], reevaluate Reevaluator[V, K], scheduler kvstream.Scheduler, buffer time.Duration) *AutoRefresh[V, K] {
	return &AutoRefresh[V, K]{source: source, reevaluate: reevaluate, scheduler: scheduler, buffer: buffer}
}

// Subscribe starts auto-refreshing for observer.
func (a *AutoRefresh[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	latest := make(map[K]V)
	children := make(map[K]kvstream.Subscription)
	childOrder := []K{}
	var pendingKeys []K
	var flushTimer kvstream.Subscription

	flush := func() {
		if len(pendingKeys) == 0 {
			return
		}
		cs := make(kvstream.ChangeSet[V, K], 0, len(pendingKeys))
		for _, k := range pendingKeys {
			if v, ok := latest[k]; ok {
				cs = append(cs, kvstream.NewRefreshChange[V, K](k, v))
			}
		}
		pendingKeys = nil
		if len(cs) > 0 {
			observer.OnNext(cs)
		}
	}

	scheduleFlush := func() {
		if a.buffer <= 0 {
			flush()
			return
		}
		if flushTimer != nil {
			return
		}
		flushTimer = a.scheduler.Schedule(a.buffer, func() {
			mu.Lock()
			defer mu.Unlock()
			flushTimer = nil
			flush()
		})
	}

	subscribeChild := func(key K, value V) {
		sub := a.reevaluate(ctx, key, value).Subscribe(ctx, kvstream.ObserverFunc[struct{}, K]{
			Next: func(kvstream.ChangeSet[struct{}, K]) {
				mu.Lock()
				defer mu.Unlock()
				pendingKeys = append(pendingKeys, key)
				scheduleFlush()
			},
			Err:       observer.OnError,
			Completed: func() {},
		})
		if prior, ok := children[key]; ok {
			prior.Dispose()
		}
		children[key] = sub
		childOrder = append(childOrder, key)
	}

	upstream := a.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					latest[ch.Key] = ch.Current
					subscribeChild(ch.Key, ch.Current)
				case kvstream.Remove:
					if sub, ok := children[ch.Key]; ok {
						sub.Dispose()
						delete(children, ch.Key)
					}
					delete(latest, ch.Key)
				case kvstream.Refresh, kvstream.Moved:
				}
			}
			observer.OnNext(cs)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})

	return disposer(func() {
		mu.Lock()
		defer mu.Unlock()
		if flushTimer != nil {
			flushTimer.Dispose()
		}
		for i := len(childOrder) - 1; i >= 0; i-- {
			if sub, ok := children[childOrder[i]]; ok {
				sub.Dispose()
			}
		}
		upstream.Dispose()
	})
}

// TimeSelector computes how long after "now" a value should expire; a nil
// return means the item never expires (§4.10).
type TimeSelector[V any] func(V) *time.Duration

// ExpirableItem pairs a value with the absolute instant it expires at.
type ExpirableItem[V any] struct {
	Value    V
	ExpireAt time.Time // zero value (time.Time{}) treated as "never"
}

// TimeExpirer evicts items a fixed duration after they were added or
// updated (§4.10, ExpireAfter). With Interval set, it scans on a recurring
// schedule; otherwise it schedules one timer per distinct expireAt value,
// using the scheduler's clock as authoritative.
type TimeExpirer[V any, K comparable] struct {
	source    kvstream.Observable[V, K]
	selector  TimeSelector[V]
	scheduler kvstream.Scheduler
	interval  time.Duration // zero: schedule per-distinct-instant instead
	onExpired func(K, V)
}

// NewTimeExpirer wraps source. onExpired, if non-nil, is invoked for each
// evicted item (diagnostics/metrics hook), after the Remove has already
// been computed for the emitted batch.
func NewTimeExpirer[V any, K comparable](source kvstream.Observable[V, K], selector TimeSelector[V], scheduler kvstream.Scheduler, interval time.Duration, onExpired func(K, V)) *TimeExpirer[V, K] {
	return &TimeExpirer[V, K]{source: source, selector: selector, scheduler: scheduler, interval: interval, onExpired: onExpired}
}

// Subscribe starts time-based expiry for observer.
func (e *TimeExpirer[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	items := make(map[K]ExpirableItem[V])
	perInstantTimers := make(map[time.Time]kvstream.Subscription)

	scan := func() {
		now := e.scheduler.Now()
		var expired kvstream.ChangeSet[V, K]
		for k, it := range items {
			if it.ExpireAt.IsZero() {
				continue
			}
			if !it.ExpireAt.After(now) {
				expired = append(expired, kvstream.NewRemoveChange[V, K](k, it.Value))
				delete(items, k)
				if e.onExpired != nil {
					e.onExpired(k, it.Value)
				}
			}
		}
		if len(expired) > 0 {
			observer.OnNext(expired)
		}
	}

	rescheduleDistinctTimers := func() {
		for at, timer := range perInstantTimers {
			timer.Dispose()
			delete(perInstantTimers, at)
		}
		seen := make(map[time.Time]bool)
		var instants []time.Time
		for _, it := range items {
			if it.ExpireAt.IsZero() || seen[it.ExpireAt] {
				continue
			}
			seen[it.ExpireAt] = true
			instants = append(instants, it.ExpireAt)
		}
		sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })
		now := e.scheduler.Now()
		for _, at := range instants {
			delay := at.Sub(now)
			if delay < 0 {
				delay = 0
			}
			perInstantTimers[at] = e.scheduler.Schedule(delay, func() {
				mu.Lock()
				defer mu.Unlock()
				scan()
			})
		}
	}

	var recurring kvstream.Subscription
	if e.interval > 0 {
		recurring = e.scheduler.ScheduleRecurring(e.interval, func() {
			mu.Lock()
			defer mu.Unlock()
			scan()
		})
	}

	upstream := e.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					expireAt := time.Time{}
					if d := e.selector(ch.Current); d != nil {
						expireAt = e.scheduler.Now().Add(*d)
					}
					items[ch.Key] = ExpirableItem[V]{Value: ch.Current, ExpireAt: expireAt}
				case kvstream.Remove:
					delete(items, ch.Key)
				case kvstream.Refresh, kvstream.Moved:
				}
			}
			observer.OnNext(cs)
			if e.interval <= 0 {
				rescheduleDistinctTimers()
			}
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})

	return disposer(func() {
		mu.Lock()
		defer mu.Unlock()
		if recurring != nil {
			recurring.Dispose()
		}
		for _, timer := range perInstantTimers {
			timer.Dispose()
		}
		upstream.Dispose()
	})
}

// SizeIndexer assigns a monotonically increasing index to each item as it
// arrives, for SizeLimiter's "return only" eviction path when no expiry
// time is tracked (§4.10).
type SizeIndexer[K comparable] struct {
	next  int
	order map[K]int
}

// NewSizeIndexer returns an empty indexer.
func NewSizeIndexer[K comparable]() *SizeIndexer[K] {
	return &SizeIndexer[K]{order: make(map[K]int)}
}

func (s *SizeIndexer[K]) touch(key K) {
	s.order[key] = s.next
	s.next++
}

func (s *SizeIndexer[K]) drop(key K) { delete(s.order, key) }

// SizeLimiter keeps at most Size items, evicting the items with the lowest
// arrival index recorded by its SizeIndexer (§4.10). Expiry times are not
// consulted, even when the source is itself an expiry-aware cache.
type SizeLimiter[V any, K comparable] struct {
	source kvstream.Observable[V, K]
	size   int
}

// NewSizeLimiter wraps source, capping its observed contents at size.
func NewSizeLimiter[V any, K comparable](source kvstream.Observable[V, K], size int) *SizeLimiter[V, K] {
	return &SizeLimiter[V, K]{source: source, size: size}
}

// Subscribe starts size-limiting for observer.
func (s *SizeLimiter[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	indexer := NewSizeIndexer[K]()
	values := make(map[K]V)

	evictExcess := func() kvstream.ChangeSet[V, K] {
		if len(values) <= s.size {
			return nil
		}
		type agedKey struct {
			key K
			idx int
		}
		aged := make([]agedKey, 0, len(values))
		for k := range values {
			aged = append(aged, agedKey{key: k, idx: indexer.order[k]})
		}
		sort.Slice(aged, func(i, j int) bool { return aged[i].idx < aged[j].idx })
		toEvict := len(values) - s.size
		var out kvstream.ChangeSet[V, K]
		for i := 0; i < toEvict; i++ {
			k := aged[i].key
			out = append(out, kvstream.NewRemoveChange[V, K](k, values[k]))
			delete(values, k)
			indexer.drop(k)
		}
		return out
	}

	return s.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add:
					values[ch.Key] = ch.Current
					indexer.touch(ch.Key)
				case kvstream.Update, kvstream.Refresh:
					values[ch.Key] = ch.Current
				case kvstream.Remove:
					delete(values, ch.Key)
					indexer.drop(ch.Key)
				case kvstream.Moved:
				}
			}
			evicted := evictExcess()
			merged := append(append(kvstream.ChangeSet[V, K]{}, cs...), evicted...)
			observer.OnNext(merged)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})
}
