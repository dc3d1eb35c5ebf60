package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvstream"
)

type joinedRow struct {
	Left  string
	Right string
}

func TestRightJoinEveryRightItemAppearsRegardlessOfLeftMatch(t *testing.T) {
	left := newFakeSource[string, int]()
	right := newFakeSource[string, int]()

	rightKey := func(r string) int { return len(r) }
	resultSelector := func(rk int, left Optional[string], right string) joinedRow {
		row := joinedRow{Right: right}
		if left.Valid {
			row.Left = left.Value
		}
		return row
	}

	j := NewRightJoin[string, string, joinedRow, int, int](left, right, rightKey, resultSelector, kvstream.DefaultEmissionOptions())
	obs := &collectingObserver[joinedRow, int]{}
	j.Subscribe(context.Background(), obs)

	right.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](1, "abc")})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, "", obs.last()[0].Current.Left, "no left match yet")

	left.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](3, "L")})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, "L", obs.last()[0].Current.Left)
}

func TestLeftJoinKeepsLeftKeyWithAbsentRight(t *testing.T) {
	left := newFakeSource[string, int]()
	right := newFakeSource[string, int]()

	rightKey := func(r string) int { return len(r) }
	resultSelector := func(lk int, left string, right Optional[string]) joinedRow {
		row := joinedRow{Left: left}
		if right.Valid {
			row.Right = right.Value
		}
		return row
	}

	j := NewLeftJoin[string, string, joinedRow, int, int](left, right, rightKey, resultSelector, kvstream.DefaultEmissionOptions())
	obs := &collectingObserver[joinedRow, int]{}
	j.Subscribe(context.Background(), obs)

	left.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](3, "L")})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, "L", obs.last()[0].Current.Left)
	assert.Equal(t, "", obs.last()[0].Current.Right)

	right.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](1, "abc")})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, "abc", obs.last()[0].Current.Right)
}

func TestInnerJoinOnlyKeysPresentOnBothSides(t *testing.T) {
	left := newFakeSource[string, int]()
	right := newFakeSource[string, int]()

	rightKey := func(r string) int { return len(r) }
	resultSelector := func(lk int, left string, right string) joinedRow { return joinedRow{Left: left, Right: right} }

	j := NewInnerJoin[string, string, joinedRow, int, int](left, right, rightKey, resultSelector, kvstream.DefaultEmissionOptions())
	obs := &collectingObserver[joinedRow, int]{}
	j.Subscribe(context.Background(), obs)

	left.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](3, "L")})
	assert.Empty(t, obs.last(), "no right side yet, inner join produces nothing")

	right.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](1, "abc")})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, "L", obs.last()[0].Current.Left)
	assert.Equal(t, "abc", obs.last()[0].Current.Right)
}

func TestFullJoinUnionOfBothSides(t *testing.T) {
	left := newFakeSource[string, int]()
	right := newFakeSource[string, int]()

	rightKey := func(r string) int { return len(r) }
	resultSelector := func(lk int, left Optional[string], right Optional[string]) joinedRow {
		row := joinedRow{}
		if left.Valid {
			row.Left = left.Value
		}
		if right.Valid {
			row.Right = right.Value
		}
		return row
	}

	j := NewFullJoin[string, string, joinedRow, int, int](left, right, rightKey, resultSelector, kvstream.DefaultEmissionOptions())
	obs := &collectingObserver[joinedRow, int]{}
	j.Subscribe(context.Background(), obs)

	left.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](1, "L")})
	require.Len(t, obs.last(), 1, "a lone left item still appears under a full join")
	assert.Equal(t, "L", obs.last()[0].Current.Left)

	right.Push(kvstream.ChangeSet[string, int]{kvstream.NewAddChange[string, int](2, "RR")})
	require.Len(t, obs.last(), 1)
	assert.Equal(t, "RR", obs.last()[0].Current.Right)
}
