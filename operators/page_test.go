package operators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvstream"
)

type collectingWindowObserver[V any, K comparable] struct {
	batches   []WindowChangeSet[V, K]
	err       error
	completed bool
}

func (o *collectingWindowObserver[V, K]) OnNext(w WindowChangeSet[V, K]) { o.batches = append(o.batches, w) }
func (o *collectingWindowObserver[V, K]) OnError(err error)              { o.err = err }
func (o *collectingWindowObserver[V, K]) OnCompleted()                   { o.completed = true }

func (o *collectingWindowObserver[V, K]) last() WindowChangeSet[V, K] {
	return o.batches[len(o.batches)-1]
}

func TestFilteredIndexCalculatorDelta(t *testing.T) {
	var fc FilteredIndexCalculator[int, int]

	prev := []KeyValue[int, int]{{Key: 1, Value: 10}, {Key: 2, Value: 20}}
	cur := []KeyValue[int, int]{{Key: 2, Value: 20}, {Key: 3, Value: 30}}

	out := fc.Delta(prev, cur)

	var sawMove, sawAdd, sawRemove bool
	for _, ch := range out {
		switch ch.Reason {
		case kvstream.Moved:
			sawMove = ch.Key == 2
		case kvstream.Add:
			sawAdd = ch.Key == 3
		case kvstream.Remove:
			sawRemove = ch.Key == 1
		}
	}
	assert.True(t, sawMove, "key 2 moved from index 1 to 0")
	assert.True(t, sawAdd, "key 3 entered the window")
	assert.True(t, sawRemove, "key 1 left the window")
}

func TestVirtualiserEmitsWindowedSlice(t *testing.T) {
	src := newFakeSource[int, int]()
	requests := make(chan PageRequest, 1)
	v := NewVirtualiser[int, int](src, byValue, requests)

	obs := &collectingWindowObserver[int, int]{}
	v.Subscribe(context.Background(), obs)

	requests <- PageRequest{StartIndex: 0, Size: 2}

	src.Push(kvstream.ChangeSet[int, int]{
		kvstream.NewAddChange[int, int](1, 10),
		kvstream.NewAddChange[int, int](2, 20),
		kvstream.NewAddChange[int, int](3, 30),
	})

	require.Eventually(t, func() bool { return len(obs.batches) > 0 }, 200*time.Millisecond, 2*time.Millisecond)
	last := obs.last()
	assert.Equal(t, 3, last.Response.TotalCount)
	assert.LessOrEqual(t, len(last.Changes), 2)
}

func TestPaginatorTranslatesPageNumberToWindow(t *testing.T) {
	src := newFakeSource[int, int]()
	requests := make(chan PageNumberRequest, 1)
	p := NewPaginator[int, int](src, byValue, requests)

	obs := &collectingWindowObserver[int, int]{}
	p.Subscribe(context.Background(), obs)

	requests <- PageNumberRequest{Page: 2, PageSize: 1}
	close(requests)

	src.Push(kvstream.ChangeSet[int, int]{
		kvstream.NewAddChange[int, int](1, 10),
		kvstream.NewAddChange[int, int](2, 20),
		kvstream.NewAddChange[int, int](3, 30),
	})

	require.Eventually(t, func() bool {
		if len(obs.batches) == 0 {
			return false
		}
		return obs.last().Response.StartIndex == 1 && obs.last().Response.Size == 1
	}, 200*time.Millisecond, 2*time.Millisecond)
}
