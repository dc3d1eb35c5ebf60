package kvstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStatusObserver struct {
	statuses []Status
	err      error
	completed bool
}

func (r *recordingStatusObserver) OnStatus(s Status) { r.statuses = append(r.statuses, s) }
func (r *recordingStatusObserver) OnError(err error) { r.err = err }
func (r *recordingStatusObserver) OnCompleted()      { r.completed = true }

func TestStatusMonitorStartsAtPendingThenLoaded(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	monitor := NewStatusMonitor[string, int](pub)

	obs := &recordingStatusObserver{}
	monitor.Subscribe(context.Background(), obs)

	require.Equal(t, []Status{StatusPending}, obs.statuses)

	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](1, "a")})
	assert.Equal(t, []Status{StatusPending, StatusLoaded}, obs.statuses)

	// A second OnNext must not re-emit Loaded (DistinctUntilChanged).
	pub.Emit(ChangeSet[string, int]{NewAddChange[string, int](2, "b")})
	assert.Equal(t, []Status{StatusPending, StatusLoaded}, obs.statuses)
}

func TestStatusMonitorReportsError(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	monitor := NewStatusMonitor[string, int](pub)

	obs := &recordingStatusObserver{}
	monitor.Subscribe(context.Background(), obs)

	boom := errors.New("boom")
	pub.Error(boom)

	assert.Equal(t, []Status{StatusPending, StatusErrored}, obs.statuses)
	assert.Equal(t, boom, obs.err)
}

func TestStatusMonitorReportsCompleted(t *testing.T) {
	pub := NewPublisher[string, int](nil)
	monitor := NewStatusMonitor[string, int](pub)

	obs := &recordingStatusObserver{}
	monitor.Subscribe(context.Background(), obs)

	pub.Complete()

	assert.Equal(t, []Status{StatusPending, StatusCompleted}, obs.statuses)
	assert.True(t, obs.completed)
}

func TestStatusStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Status(99).String())
}
