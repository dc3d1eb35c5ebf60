package kvstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualSchedulerFiresOneShotOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewVirtualScheduler(start)

	fired := false
	s.Schedule(5*time.Second, func() { fired = true })

	s.Advance(4 * time.Second)
	assert.False(t, fired)

	s.Advance(1 * time.Second)
	assert.True(t, fired)
	assert.Equal(t, start.Add(5*time.Second), s.Now())
}

func TestVirtualSchedulerCancelOneShot(t *testing.T) {
	s := NewVirtualScheduler(time.Now())
	fired := false
	sub := s.Schedule(time.Second, func() { fired = true })
	sub.Dispose()

	s.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestVirtualSchedulerRecurringReschedules(t *testing.T) {
	s := NewVirtualScheduler(time.Now())
	count := 0
	s.ScheduleRecurring(time.Second, func() { count++ })

	s.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, count)
}

func TestVirtualSchedulerFiresDueTimersInOrder(t *testing.T) {
	s := NewVirtualScheduler(time.Now())
	var order []string
	s.Schedule(2*time.Second, func() { order = append(order, "second") })
	s.Schedule(1*time.Second, func() { order = append(order, "first") })

	s.Advance(3 * time.Second)
	require.Equal(t, []string{"first", "second"}, order)
}
