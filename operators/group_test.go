package operators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvstream"
)

type collectingGroupObserver[V any, K comparable, G comparable] struct {
	batches   []GroupChangeSet[V, K, G]
	err       error
	completed bool
}

func (o *collectingGroupObserver[V, K, G]) OnNext(cs GroupChangeSet[V, K, G]) {
	o.batches = append(o.batches, cs)
}
func (o *collectingGroupObserver[V, K, G]) OnError(err error) { o.err = err }
func (o *collectingGroupObserver[V, K, G]) OnCompleted()       { o.completed = true }

func (o *collectingGroupObserver[V, K, G]) last() GroupChangeSet[V, K, G] {
	if len(o.batches) == 0 {
		return nil
	}
	return o.batches[len(o.batches)-1]
}

func (o *collectingGroupObserver[V, K, G]) flattened() GroupChangeSet[V, K, G] {
	var all GroupChangeSet[V, K, G]
	for _, b := range o.batches {
		all = append(all, b...)
	}
	return all
}

func TestGroupPartitionsByStaticSelector(t *testing.T) {
	src := newFakeSource[int, int]()
	parity := func(v int) string {
		if v%2 == 0 {
			return "even"
		}
		return "odd"
	}
	g := NewGroup[int, int, string](src, parity)

	obs := &collectingGroupObserver[int, int, string]{}
	g.Subscribe(context.Background(), obs)

	src.Push(kvstream.ChangeSet[int, int]{
		kvstream.NewAddChange[int, int](1, 2),
		kvstream.NewAddChange[int, int](2, 3),
	})

	found := map[string]bool{}
	for _, gc := range obs.flattened() {
		if gc.Added {
			found[gc.GroupKey] = true
		}
	}
	assert.True(t, found["even"])
	assert.True(t, found["odd"])
}

func TestGroupMovesItemBetweenGroupsOnUpdate(t *testing.T) {
	src := newFakeSource[int, int]()
	parity := func(v int) string {
		if v%2 == 0 {
			return "even"
		}
		return "odd"
	}
	g := NewGroup[int, int, string](src, parity)

	obs := &collectingGroupObserver[int, int, string]{}
	g.Subscribe(context.Background(), obs)

	src.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 2)})
	src.Push(kvstream.ChangeSet[int, int]{kvstream.NewUpdateChange[int, int](1, 3, 2)})

	var sawRemoveFromEven, sawAddToOdd bool
	for _, gc := range obs.last() {
		if gc.GroupKey == "even" {
			for _, ch := range gc.Changes {
				if ch.Reason == kvstream.Remove {
					sawRemoveFromEven = true
				}
			}
		}
		if gc.GroupKey == "odd" && gc.Added {
			sawAddToOdd = true
		}
	}
	assert.True(t, sawRemoveFromEven)
	assert.True(t, sawAddToOdd)
}

func TestGroupOnObservableRegroupsWhenChildEmitsNewKey(t *testing.T) {
	src := newFakeSource[int, int]()
	childSources := map[int]*fakeSource[string, int]{}

	selector := func(ctx context.Context, key int, value int) kvstream.Observable[string, int] {
		child := newFakeSource[string, int]()
		childSources[key] = child
		return child
	}
	g := NewGroupOnObservable[int, int, string](src, selector)

	obs := &collectingGroupObserver[int, int, string]{}
	g.Subscribe(context.Background(), obs)

	src.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 10)})
	childSources[1].Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](1, "a")})

	var inA bool
	for _, gc := range obs.flattened() {
		if gc.GroupKey == "a" {
			for _, ch := range gc.Changes {
				if ch.Key == 1 {
					inA = true
				}
			}
		}
	}
	assert.True(t, inA)

	childSources[1].Push(kvstream.ChangeSet[string, int]{kvstream.NewUpdateChange[string, int](1, "b", "a")})

	var movedOutOfA, movedIntoB bool
	for _, gc := range obs.last() {
		if gc.GroupKey == "a" {
			for _, ch := range gc.Changes {
				if ch.Reason == kvstream.Remove {
					movedOutOfA = true
				}
			}
		}
		if gc.GroupKey == "b" {
			for _, ch := range gc.Changes {
				if ch.Key == 1 {
					movedIntoB = true
				}
			}
		}
	}
	assert.True(t, movedOutOfA)
	assert.True(t, movedIntoB)
}

func TestGroupOnDynamicBuffersUntilFirstSelectorThenRegroups(t *testing.T) {
	src := newFakeSource[int, int]()
	selectors := make(chan GroupSelector[int, string], 1)
	g := NewGroupOnDynamic[int, int, string](src, selectors, nil)

	obs := &collectingGroupObserver[int, int, string]{}
	g.Subscribe(context.Background(), obs)

	src.Push(kvstream.ChangeSet[int, int]{
		kvstream.NewAddChange[int, int](1, 10),
		kvstream.NewAddChange[int, int](2, 20),
	})
	assert.Empty(t, obs.batches, "nothing groups before any selector arrives")

	selectors <- func(v int) string {
		if v >= 15 {
			return "big"
		}
		return "small"
	}
	close(selectors)

	require.Eventually(t, func() bool { return len(obs.batches) > 0 }, 200*time.Millisecond, 2*time.Millisecond)

	found := map[string]bool{}
	for _, gc := range obs.flattened() {
		if gc.Added {
			found[gc.GroupKey] = true
		}
	}
	assert.True(t, found["small"])
	assert.True(t, found["big"])
}
