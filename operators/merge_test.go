package operators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvstream"
)

func minComparer(a, b int) int { return a - b }

func TestChangeSetMergeTrackerFirstSeenWinsWithoutComparer(t *testing.T) {
	tr := NewChangeSetMergeTracker[int, int](nil, nil)
	tr.OnAdd(10, 1)
	tr.OnAdd(20, 1)

	result, ok := tr.result.Get(1)
	require.True(t, ok)
	assert.Equal(t, 10, result, "without a comparer the first published value wins")
}

func TestChangeSetMergeTrackerMinComparerPublishesSmallest(t *testing.T) {
	tr := NewChangeSetMergeTracker[int, int](minComparer, nil)
	tr.OnAdd(10, 1)
	tr.OnAdd(5, 1)
	tr.OnAdd(20, 1)

	result, ok := tr.result.Get(1)
	require.True(t, ok)
	assert.Equal(t, 5, result)
}

func TestChangeSetMergeTrackerReselectsOnRemoveOfPublishedValue(t *testing.T) {
	tr := NewChangeSetMergeTracker[int, int](minComparer, nil)

	rawA := newFakeSource[int, int]()
	rawB := newFakeSource[int, int]()
	srcA := kvstream.NewChangeSetCache[int, int](rawA)
	srcB := kvstream.NewChangeSetCache[int, int](rawB)
	srcA.Connect(context.Background(), kvstream.ObserverFunc[int, int]{})
	srcB.Connect(context.Background(), kvstream.ObserverFunc[int, int]{})

	// srcB still holds the higher value 8 for key 1; removing the published
	// minimum (5) must fall back to it.
	rawB.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 8)})

	tr.OnAdd(5, 1)
	sources := []*kvstream.ChangeSetCache[int, int]{srcA, srcB}

	tr.OnRemove(sources, 5, 1)

	result, ok := tr.result.Get(1)
	require.True(t, ok)
	assert.Equal(t, 8, result)
}

func TestMergeManyFlattensChildObservables(t *testing.T) {
	src := newFakeSource[int, int]()
	childSources := map[int]*fakeSource[string, int]{}

	selector := func(ctx context.Context, key int, value int) kvstream.Observable[string, int] {
		child := newFakeSource[string, int]()
		childSources[key] = child
		return child
	}
	m := NewMergeMany[int, string, int](src, selector, kvstream.DefaultEmissionOptions())

	obs := &collectingObserver[string, int]{}
	m.Subscribe(context.Background(), obs)

	src.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 1)})
	childSources[1].Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](100, "hello")})

	require.Len(t, obs.last(), 1)
	assert.Equal(t, "hello", obs.last()[0].Current)
	assert.Equal(t, 100, obs.last()[0].Key)
}

func TestMergeManyDropsChildOnParentRemove(t *testing.T) {
	src := newFakeSource[int, int]()
	childSources := map[int]*fakeSource[string, int]{}

	selector := func(ctx context.Context, key int, value int) kvstream.Observable[string, int] {
		child := newFakeSource[string, int]()
		childSources[key] = child
		return child
	}
	m := NewMergeMany[int, string, int](src, selector, kvstream.DefaultEmissionOptions())
	obs := &collectingObserver[string, int]{}
	m.Subscribe(context.Background(), obs)

	src.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 1)})
	childSources[1].Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](1, "hello")})
	require.Len(t, obs.last(), 1)

	src.Push(kvstream.ChangeSet[int, int]{kvstream.NewRemoveChange[int, int](1, 1)})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, kvstream.Remove, obs.last()[0].Reason)
}

func TestMergeChangeSetsPublishesMinimumAcrossInnerSources(t *testing.T) {
	inner := make(chan IndexedSource[int, int], 2)
	m := NewMergeChangeSets[int, int](inner, minComparer, nil)

	obs := &collectingObserver[int, int]{}
	m.Subscribe(context.Background(), obs)

	srcA := newFakeSource[int, int]()
	srcB := newFakeSource[int, int]()
	inner <- IndexedSource[int, int]{ID: 1, Source: srcA}
	inner <- IndexedSource[int, int]{ID: 2, Source: srcB}

	require.Eventually(t, func() bool { return srcA.observer != nil && srcB.observer != nil }, 200*time.Millisecond, 2*time.Millisecond)

	srcA.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 10)})
	require.Eventually(t, func() bool { return len(obs.batches) > 0 }, 200*time.Millisecond, 2*time.Millisecond)
	assert.Equal(t, 10, obs.last()[0].Current)

	srcB.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 3)})
	require.Eventually(t, func() bool { return obs.last()[0].Current == 3 }, 200*time.Millisecond, 2*time.Millisecond)
}

func TestMergeManyCacheChangeSetsWithdrawsWhenInnerSourceRemovesItem(t *testing.T) {
	parent := newFakeSource[CacheSource[int, int], string]()
	m := NewMergeManyCacheChangeSets[int, int, string](parent, minComparer, nil)

	obs := &collectingObserver[int, int]{}
	m.Subscribe(context.Background(), obs)

	inner := newFakeSource[int, int]()
	parent.Push(kvstream.ChangeSet[CacheSource[int, int], string]{
		kvstream.NewAddChange[CacheSource[int, int], string]("a", CacheSource[int, int]{Source: inner}),
	})
	inner.Push(kvstream.ChangeSet[int, int]{kvstream.NewAddChange[int, int](1, 5)})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, 5, obs.last()[0].Current)

	inner.Push(kvstream.ChangeSet[int, int]{kvstream.NewRemoveChange[int, int](1, 5)})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, kvstream.Remove, obs.last()[0].Reason)
}
