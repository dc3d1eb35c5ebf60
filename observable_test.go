package kvstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherDeliversSnapshotThenLive(t *testing.T) {
	pub := NewPublisher[string, int](func() ChangeSet[string, int] {
		return ChangeSet[string, int]{NewAddChange[string, int](1, "snapshot")}
	})

	var received []ChangeSet[string, int]
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{
		Next: func(cs ChangeSet[string, int]) { received = append(received, cs) },
	})

	require.Len(t, received, 1)
	assert.Equal(t, "snapshot", received[0][0].Current)

	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](2, "live")})
	require.Len(t, received, 2)
	assert.Equal(t, "live", received[1][0].Current)
}

func TestPublisherBroadcastsToAllSubscribers(t *testing.T) {
	pub := NewPublisher[string, int](nil)

	var a, b int
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{Next: func(ChangeSet[string, int]) { a++ }})
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{Next: func(ChangeSet[string, int]) { b++ }})

	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](1, "x")})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestPublisherErrorTerminatesAndFutureSubscribersGetItImmediately(t *testing.T) {
	pub := NewPublisher[string, int](nil)

	var gotErr error
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{Err: func(err error) { gotErr = err }})

	boom := errors.New("boom")
	pub.Error(boom)
	assert.Equal(t, boom, gotErr)

	var lateErr error
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{Err: func(err error) { lateErr = err }})
	assert.Equal(t, boom, lateErr)

	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](1, "ignored")})
}

func TestPublisherCompleteTerminates(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	completed := false
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{Completed: func() { completed = true }})

	pub.Complete()
	assert.True(t, completed)

	var lateCompleted bool
	pub.Subscribe(context.Background(), ObserverFunc[string, int]{Completed: func() { lateCompleted = true }})
	assert.True(t, lateCompleted)
}

func TestPublisherDisposeStopsFurtherDelivery(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	count := 0
	sub := pub.Subscribe(context.Background(), ObserverFunc[string, int]{Next: func(ChangeSet[string, int]) { count++ }})

	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](1, "a")})
	sub.Dispose()
	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](2, "b")})

	assert.Equal(t, 1, count)
}
