package kvstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeSetCacheMirrorsBeforeForwarding(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	cache := NewChangeSetCache[string, int](pub)

	var observedDuringNext map[int]string
	cache.Connect(context.Background(), ObserverFunc[string, int]{
		Next: func(cs ChangeSet[string, int]) {
			observedDuringNext = cache.KeyValues()
		},
	})

	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](1, "a")})

	require.NotNil(t, observedDuringNext)
	assert.Equal(t, map[int]string{1: "a"}, observedDuringNext)

	v, ok := cache.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestChangeSetCacheForwardsCompletedAndError(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	cache := NewChangeSetCache[string, int](pub)

	completed := false
	cache.Connect(context.Background(), ObserverFunc[string, int]{Completed: func() { completed = true }})
	pub.Complete()
	assert.True(t, completed)

	errPub := NewPublisher[string, int](nil)
	errCache := NewChangeSetCache[string, int](errPub)

	var gotErr error
	errCache.Connect(context.Background(), ObserverFunc[string, int]{Err: func(err error) { gotErr = err }})
	boom := errors.New("boom")
	errPub.Error(boom)
	assert.Equal(t, boom, gotErr)
}
