package kvstream

import (
	"context"
	"sync"
)

// Status is one of the four load states a StatusMonitor reports.
type Status int

const (
	// StatusPending is the state before any OnNext has been observed.
	StatusPending Status = iota
	// StatusLoaded is entered on the first OnNext.
	StatusLoaded
	// StatusErrored is a terminal state entered on OnError.
	StatusErrored
	// StatusCompleted is a terminal state entered on OnCompleted.
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusLoaded:
		return "Loaded"
	case StatusErrored:
		return "Errored"
	case StatusCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// StatusObserver receives the status sequence a StatusMonitor produces.
type StatusObserver interface {
	OnStatus(Status)
	OnError(error)
	OnCompleted()
}

// StatusMonitor observes source and reports a StartWith(Pending),
// DistinctUntilChanged sequence of load states (§4.10): the first OnNext
// transitions Pending→Loaded, and OnError/OnCompleted transition
// terminally and are forwarded to the StatusObserver's own OnError/
// OnCompleted as well as reported as a status.
type StatusMonitor[V any, K comparable] struct {
	source Observable[V, K]
}

// NewStatusMonitor wraps source.
func NewStatusMonitor[V any, K comparable](source Observable[V, K]) *StatusMonitor[V, K] {
	return &StatusMonitor[V, K]{source: source}
}

// Subscribe starts monitoring source's status for observer.
func (m *StatusMonitor[V, K]) Subscribe(ctx context.Context, observer StatusObserver) Subscription {
	var mu sync.Mutex
	last := StatusPending
	observer.OnStatus(last)

	emit := func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		if s == last {
			return
		}
		last = s
		observer.OnStatus(s)
	}

	return m.source.Subscribe(ctx, ObserverFunc[V, K]{
		Next: func(ChangeSet[V, K]) { emit(StatusLoaded) },
		Err: func(err error) {
			emit(StatusErrored)
			observer.OnError(err)
		},
		Completed: func() {
			emit(StatusCompleted)
			observer.OnCompleted()
		},
	})
}
