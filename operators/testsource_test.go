package operators

import (
	"context"

	"kvstream"
)

// fakeSource is a minimal, single-subscriber kvstream.Observable driven
// directly by test code via Push/Complete/Fail — no concurrency, no replay
// batch, just a conduit for test-authored change sets.
type fakeSource[V any, K comparable] struct {
	observer kvstream.Observer[V, K]
}

func newFakeSource[V any, K comparable]() *fakeSource[V, K] {
	return &fakeSource[V, K]{}
}

func (s *fakeSource[V, K]) Subscribe(ctx context.Context, observer kvstream.Observer[V, K]) kvstream.Subscription {
	s.observer = observer
	return disposer(func() {})
}

func (s *fakeSource[V, K]) Push(cs kvstream.ChangeSet[V, K]) {
	if s.observer != nil {
		s.observer.OnNext(cs)
	}
}

func (s *fakeSource[V, K]) Complete() {
	if s.observer != nil {
		s.observer.OnCompleted()
	}
}

func (s *fakeSource[V, K]) Fail(err error) {
	if s.observer != nil {
		s.observer.OnError(err)
	}
}

// collectingObserver accumulates every ChangeSet delivered to it.
type collectingObserver[V any, K comparable] struct {
	batches   []kvstream.ChangeSet[V, K]
	err       error
	completed bool
}

func (o *collectingObserver[V, K]) OnNext(cs kvstream.ChangeSet[V, K]) { o.batches = append(o.batches, cs) }
func (o *collectingObserver[V, K]) OnError(err error)                  { o.err = err }
func (o *collectingObserver[V, K]) OnCompleted()                       { o.completed = true }

func (o *collectingObserver[V, K]) last() kvstream.ChangeSet[V, K] {
	if len(o.batches) == 0 {
		return nil
	}
	return o.batches[len(o.batches)-1]
}
