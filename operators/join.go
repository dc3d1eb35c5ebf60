package operators

import (
	"context"
	"sync"

	"kvstream"
)

// Optional is a lightweight presence wrapper used by the join family for
// the side of a join that may or may not have a matching value (§4.8).
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some wraps v as present.
func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Valid: true} }

// None returns an absent Optional.
func None[T any]() Optional[T] { return Optional[T]{} }

// RightKeySelector maps a right-hand value to the left-hand key it should
// join against.
type RightKeySelector[R any, LK comparable] func(R) LK

// JoinResultSelector combines a right-hand key, an optional left value,
// and the right value into the joined destination type.
type JoinResultSelector[L any, R any, D any, RK comparable] func(rk RK, left Optional[L], right R) D

// RightJoin joins a left change stream against a right change stream,
// keyed by RK, with every right item present regardless of whether it has
// a matching left item (§4.8, the representative join). Other join
// variants in this package follow the same discipline (a single shared
// lock, a rekeyed foreign-key index, suppressing left emissions before the
// right side has initialized), differing only in which side is optional
// and which empty group yields a result.
type RightJoin[L any, R any, D any, LK comparable, RK comparable] struct {
	left           kvstream.Observable[L, LK]
	right          kvstream.Observable[R, RK]
	rightKey       RightKeySelector[R, LK]
	resultSelector JoinResultSelector[L, R, D, RK]
	emission       kvstream.EmissionOptions
}

// NewRightJoin wraps left and right.
func NewRightJoin[L any, R any, D any, LK comparable, RK comparable](left kvstream.Observable[L, LK], right kvstream.Observable[R, RK], rightKey RightKeySelector[R, LK], resultSelector JoinResultSelector[L, R, D, RK], emission kvstream.EmissionOptions) *RightJoin[L, R, D, LK, RK] {
	return &RightJoin[L, R, D, LK, RK]{left: left, right: right, rightKey: rightKey, resultSelector: resultSelector, emission: emission}
}

// Subscribe starts the join for observer.
func (j *RightJoin[L, R, D, LK, RK]) Subscribe(ctx context.Context, observer kvstream.Observer[D, RK]) kvstream.Subscription {
	var mu sync.Mutex
	leftCache := kvstream.NewCache[L, LK]()
	rightCache := kvstream.NewCache[R, RK]()
	rightForeignKeysByKey := make(map[RK]LK)
	rightForeignCache := make(map[LK]map[RK]struct{}) // LK -> set of RK currently mapped to it
	joined := kvstream.NewChangeAwareCache[D, RK]()
	hasInitialized := false
	remaining := 2
	done := false

	lookupLeft := func(lk LK) Optional[L] {
		if v, ok := leftCache.Get(lk); ok {
			return Some(v)
		}
		return None[L]()
	}

	addForeign := func(rk RK, lk LK) {
		set, ok := rightForeignCache[lk]
		if !ok {
			set = make(map[RK]struct{})
			rightForeignCache[lk] = set
		}
		set[rk] = struct{}{}
		rightForeignKeysByKey[rk] = lk
	}

	removeForeign := func(rk RK) {
		if lk, ok := rightForeignKeysByKey[rk]; ok {
			if set, ok := rightForeignCache[lk]; ok {
				delete(set, rk)
				if len(set) == 0 {
					delete(rightForeignCache, lk)
				}
			}
			delete(rightForeignKeysByKey, rk)
		}
	}

	publishRight := func(rk RK, rv R) {
		lk := j.rightKey(rv)
		d := j.resultSelector(rk, lookupLeft(lk), rv)
		joined.AddOrUpdate(rk, d)
		addForeign(rk, lk)
	}

	emit := func() {
		cs := joined.CaptureChanges()
		if !kvstream.ShouldEmit(j.emission, cs) {
			return
		}
		observer.OnNext(cs)
	}

	finish := func() {
		remaining--
		if remaining == 0 && !done {
			done = true
			observer.OnCompleted()
		}
	}

	rightSub := j.right.Subscribe(ctx, kvstream.ObserverFunc[R, RK]{
		Next: func(cs kvstream.ChangeSet[R, RK]) {
			mu.Lock()
			defer mu.Unlock()
			rightCache.Clone(cs)
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update:
					removeForeign(ch.Key)
					publishRight(ch.Key, ch.Current)
				case kvstream.Remove:
					joined.Remove(ch.Key)
					removeForeign(ch.Key)
				case kvstream.Refresh:
					newLK := j.rightKey(ch.Current)
					oldLK, had := rightForeignKeysByKey[ch.Key]
					if had && oldLK != newLK {
						removeForeign(ch.Key)
						publishRight(ch.Key, ch.Current)
					} else {
						joined.Refresh(ch.Key)
					}
				case kvstream.Moved:
				}
			}
			hasInitialized = true
			emit()
		},
		Err:       observer.OnError,
		Completed: func() { mu.Lock(); defer mu.Unlock(); finish() },
	})

	leftSub := j.left.Subscribe(ctx, kvstream.ObserverFunc[L, LK]{
		Next: func(cs kvstream.ChangeSet[L, LK]) {
			mu.Lock()
			defer mu.Unlock()
			leftCache.Clone(cs)
			if !hasInitialized {
				// §4.8: left-side emissions before the right side has
				// initialized are suppressed to avoid a duplicate flood
				// once the right side's own initial batch arrives.
				return
			}
			for _, ch := range cs {
				lk := ch.Key
				rks, ok := rightForeignCache[lk]
				if !ok {
					continue
				}
				for rk := range rks {
					rv, ok := rightCache.Get(rk)
					if !ok {
						continue
					}
					if ch.Reason == kvstream.Remove {
						joined.AddOrUpdate(rk, j.resultSelector(rk, None[L](), rv))
					} else {
						joined.AddOrUpdate(rk, j.resultSelector(rk, lookupLeft(lk), rv))
					}
				}
			}
			emit()
		},
		Err:       observer.OnError,
		Completed: func() { mu.Lock(); defer mu.Unlock(); finish() },
	})

	return disposer(func() {
		leftSub.Dispose()
		rightSub.Dispose()
	})
}

// leftKeyedPresence controls which side of a left-keyed join (Left, Inner,
// Full) is allowed to appear with an absent counterpart (§4.8).
type leftKeyedPresence int

const (
	presenceLeftOnly  leftKeyedPresence = iota // Left join: every left key appears
	presenceBothOnly                           // Inner join: only keys present on both sides
	presenceEitherSide                         // Full join: union of left keys and right-mapped keys
)

// leftKeyedJoin is the shared state machine for Left, Inner, and Full
// joins: all three are keyed by LK (the left-hand key, which is also what
// RightKeySelector maps right-hand values onto), differing only in which
// empty side is permitted to still produce a row (§4.8).
type leftKeyedJoin[L any, R any, D any, LK comparable, RK comparable] struct {
	left           kvstream.Observable[L, LK]
	right          kvstream.Observable[R, RK]
	rightKey       RightKeySelector[R, LK]
	resultSelector func(lk LK, left Optional[L], right Optional[R]) D
	emission       kvstream.EmissionOptions
	presence       leftKeyedPresence
}

func (j *leftKeyedJoin[L, R, D, LK, RK]) subscribe(ctx context.Context, observer kvstream.Observer[D, LK]) kvstream.Subscription {
	var mu sync.Mutex
	leftCache := kvstream.NewCache[L, LK]()
	rightByLK := make(map[LK]R)
	joined := kvstream.NewChangeAwareCache[D, LK]()
	remaining := 2
	done := false

	shouldPublish := func(lk LK) (Optional[L], Optional[R], bool) {
		lv, hasLeft := leftCache.Get(lk)
		rv, hasRight := rightByLK[lk]
		switch j.presence {
		case presenceLeftOnly:
			if !hasLeft {
				return Optional[L]{}, Optional[R]{}, false
			}
		case presenceBothOnly:
			if !hasLeft || !hasRight {
				return Optional[L]{}, Optional[R]{}, false
			}
		case presenceEitherSide:
			if !hasLeft && !hasRight {
				return Optional[L]{}, Optional[R]{}, false
			}
		}
		left := Optional[L]{}
		if hasLeft {
			left = Some(lv)
		}
		right := Optional[R]{}
		if hasRight {
			right = Some(rv)
		}
		return left, right, true
	}

	refresh := func(lk LK) {
		left, right, ok := shouldPublish(lk)
		if !ok {
			joined.Remove(lk)
			return
		}
		joined.AddOrUpdate(lk, j.resultSelector(lk, left, right))
	}

	emit := func() {
		cs := joined.CaptureChanges()
		if !kvstream.ShouldEmit(j.emission, cs) {
			return
		}
		observer.OnNext(cs)
	}

	finish := func() {
		remaining--
		if remaining == 0 && !done {
			done = true
			observer.OnCompleted()
		}
	}

	rightSub := j.right.Subscribe(ctx, kvstream.ObserverFunc[R, RK]{
		Next: func(cs kvstream.ChangeSet[R, RK]) {
			mu.Lock()
			defer mu.Unlock()
			for _, ch := range cs {
				switch ch.Reason {
				case kvstream.Add, kvstream.Update, kvstream.Refresh:
					lk := j.rightKey(ch.Current)
					if ch.Previous != nil {
						oldLK := j.rightKey(*ch.Previous)
						if oldLK != lk {
							delete(rightByLK, oldLK)
							refresh(oldLK)
						}
					}
					rightByLK[lk] = ch.Current
					refresh(lk)
				case kvstream.Remove:
					lk := j.rightKey(ch.Current)
					delete(rightByLK, lk)
					refresh(lk)
				case kvstream.Moved:
				}
			}
			emit()
		},
		Err:       observer.OnError,
		Completed: func() { mu.Lock(); defer mu.Unlock(); finish() },
	})

	leftSub := j.left.Subscribe(ctx, kvstream.ObserverFunc[L, LK]{
		Next: func(cs kvstream.ChangeSet[L, LK]) {
			mu.Lock()
			defer mu.Unlock()
			leftCache.Clone(cs)
			for _, ch := range cs {
				refresh(ch.Key)
			}
			emit()
		},
		Err:       observer.OnError,
		Completed: func() { mu.Lock(); defer mu.Unlock(); finish() },
	})

	return disposer(func() {
		leftSub.Dispose()
		rightSub.Dispose()
	})
}

// LeftJoin joins every left item against at most one right match, keyed
// by LK; a left key with no matching right item still appears, with an
// absent Optional[R] (§4.8).
type LeftJoin[L any, R any, D any, LK comparable, RK comparable] struct {
	core leftKeyedJoin[L, R, D, LK, RK]
}

// NewLeftJoin wraps left and right.
func NewLeftJoin[L any, R any, D any, LK comparable, RK comparable](left kvstream.Observable[L, LK], right kvstream.Observable[R, RK], rightKey RightKeySelector[R, LK], resultSelector func(lk LK, left L, right Optional[R]) D, emission kvstream.EmissionOptions) *LeftJoin[L, R, D, LK, RK] {
	return &LeftJoin[L, R, D, LK, RK]{core: leftKeyedJoin[L, R, D, LK, RK]{
		left: left, right: right, rightKey: rightKey, emission: emission, presence: presenceLeftOnly,
		resultSelector: func(lk LK, left Optional[L], right Optional[R]) D {
			return resultSelector(lk, left.Value, right)
		},
	}}
}

// Subscribe starts the left join for observer.
func (j *LeftJoin[L, R, D, LK, RK]) Subscribe(ctx context.Context, observer kvstream.Observer[D, LK]) kvstream.Subscription {
	return j.core.subscribe(ctx, observer)
}

// InnerJoin joins only keys present on both sides, keyed by LK (§4.8).
type InnerJoin[L any, R any, D any, LK comparable, RK comparable] struct {
	core leftKeyedJoin[L, R, D, LK, RK]
}

// NewInnerJoin wraps left and right.
func NewInnerJoin[L any, R any, D any, LK comparable, RK comparable](left kvstream.Observable[L, LK], right kvstream.Observable[R, RK], rightKey RightKeySelector[R, LK], resultSelector func(lk LK, left L, right R) D, emission kvstream.EmissionOptions) *InnerJoin[L, R, D, LK, RK] {
	return &InnerJoin[L, R, D, LK, RK]{core: leftKeyedJoin[L, R, D, LK, RK]{
		left: left, right: right, rightKey: rightKey, emission: emission, presence: presenceBothOnly,
		resultSelector: func(lk LK, left Optional[L], right Optional[R]) D {
			return resultSelector(lk, left.Value, right.Value)
		},
	}}
}

// Subscribe starts the inner join for observer.
func (j *InnerJoin[L, R, D, LK, RK]) Subscribe(ctx context.Context, observer kvstream.Observer[D, LK]) kvstream.Subscription {
	return j.core.subscribe(ctx, observer)
}

// FullJoin joins the union of left keys and right-mapped keys, keyed by
// LK, with both sides optional (§4.8).
type FullJoin[L any, R any, D any, LK comparable, RK comparable] struct {
	core leftKeyedJoin[L, R, D, LK, RK]
}

// NewFullJoin wraps left and right.
func NewFullJoin[L any, R any, D any, LK comparable, RK comparable](left kvstream.Observable[L, LK], right kvstream.Observable[R, RK], rightKey RightKeySelector[R, LK], resultSelector func(lk LK, left Optional[L], right Optional[R]) D, emission kvstream.EmissionOptions) *FullJoin[L, R, D, LK, RK] {
	return &FullJoin[L, R, D, LK, RK]{core: leftKeyedJoin[L, R, D, LK, RK]{
		left: left, right: right, rightKey: rightKey, emission: emission, presence: presenceEitherSide,
		resultSelector: resultSelector,
	}}
}

// Subscribe starts the full join for observer.
func (j *FullJoin[L, R, D, LK, RK]) Subscribe(ctx context.Context, observer kvstream.Observer[D, LK]) kvstream.Subscription {
	return j.core.subscribe(ctx, observer)
}
