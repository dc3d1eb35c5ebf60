package kvstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheCloneAppliesAddUpdateRemove(t *testing.T) {
	c := NewCache[string, int]()
	c.Clone(ChangeSet[string, int]{
		NewAddChange[string, int](1, "a"),
		NewAddChange[string, int](2, "b"),
	})
	assert.Equal(t, 2, c.Count())

	c.Clone(ChangeSet[string, int]{
		NewUpdateChange[string, int](1, "a2", "a"),
		NewRemoveChange[string, int](2, "b"),
	})

	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a2", v)

	_, ok = c.Get(2)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Count())
}

func TestCacheCloneIgnoresRefreshAndMoved(t *testing.T) {
	c := NewCache[string, int]()
	c.Clone(ChangeSet[string, int]{NewAddChange[string, int](1, "a")})
	c.Clone(ChangeSet[string, int]{
		NewRefreshChange[string, int](1, "a"),
		NewMovedChange[string, int](1, "a", 0, 0),
	})

	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestCacheKeysAndKeyValuesSnapshot(t *testing.T) {
	c := NewCache[string, int]()
	c.Clone(ChangeSet[string, int]{NewAddChange[string, int](1, "a"), NewAddChange[string, int](2, "b")})

	assert.ElementsMatch(t, []int{1, 2}, c.Keys())
	assert.Equal(t, map[int]string{1: "a", 2: "b"}, c.KeyValues())
}
