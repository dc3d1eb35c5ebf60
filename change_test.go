package kvstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeReasonString(t *testing.T) {
	assert.Equal(t, "Add", Add.String())
	assert.Equal(t, "Update", Update.String())
	assert.Equal(t, "Remove", Remove.String())
	assert.Equal(t, "Refresh", Refresh.String())
	assert.Equal(t, "Moved", Moved.String())
	assert.Equal(t, "ChangeReason(99)", ChangeReason(99).String())
}

func TestNewUpdateChangeCarriesPrevious(t *testing.T) {
	ch := NewUpdateChange[string, int](1, "new", "old")
	require.NotNil(t, ch.Previous)
	assert.Equal(t, "old", *ch.Previous)
	assert.Equal(t, "new", ch.Current)
	assert.Equal(t, Update, ch.Reason)
}

func TestNewAddRemoveRefreshChangesCarryNoIndices(t *testing.T) {
	add := NewAddChange[string, int](1, "v")
	assert.Nil(t, add.Previous)
	assert.Nil(t, add.CurrentIndex)

	rem := NewRemoveChange[string, int](1, "v")
	assert.Equal(t, Remove, rem.Reason)
	assert.Nil(t, rem.Previous)

	ref := NewRefreshChange[string, int](1, "v")
	assert.Equal(t, Refresh, ref.Reason)
}

func TestNewMovedChangeCarriesBothIndices(t *testing.T) {
	ch := NewMovedChange[string, int](1, "v", 3, 0)
	require.NotNil(t, ch.PreviousIndex)
	require.NotNil(t, ch.CurrentIndex)
	assert.Equal(t, 3, *ch.PreviousIndex)
	assert.Equal(t, 0, *ch.CurrentIndex)
}

func TestChangeSetTotalChanges(t *testing.T) {
	var nilSet ChangeSet[string, int]
	assert.Equal(t, 0, nilSet.TotalChanges())

	cs := ChangeSet[string, int]{NewAddChange[string, int](1, "a"), NewAddChange[string, int](2, "b")}
	assert.Equal(t, 2, cs.TotalChanges())
}
