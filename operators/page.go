package operators

import (
	"context"
	"sync"

	"kvstream"
)

// PageRequest names a virtualising/paging window: the first StartIndex
// items are skipped and up to Size items are returned (§4.9).
type PageRequest struct {
	StartIndex int
	Size       int
}

// PageResponse describes the window a VirtualChangeSet/PagedChangeSet was
// computed against.
type PageResponse struct {
	StartIndex int
	Size       int
	TotalCount int
}

// WindowChangeSet pairs an indexed ChangeSet covering one page/virtual
// window with the PageResponse it was computed against.
type WindowChangeSet[V any, K comparable] struct {
	Changes  kvstream.ChangeSet[KeyValue[V, K], K]
	Response PageResponse
}

// WindowObserver receives a WindowChangeSet sequence.
type WindowObserver[V any, K comparable] interface {
	OnNext(WindowChangeSet[V, K])
	OnError(error)
	OnCompleted()
}

// FilteredIndexCalculator computes the delta between a previous window and
// a current window of the same underlying ordered collection (§4.9): items
// that entered the window become Add, items that left become Remove, and
// items present in both but at a different position within the window
// become Moved.
type FilteredIndexCalculator[V any, K comparable] struct{}

// Delta returns the changes needed to turn prev into cur.
func (FilteredIndexCalculator[V, K]) Delta(prev, cur []KeyValue[V, K]) kvstream.ChangeSet[KeyValue[V, K], K] {
	prevPos := make(map[K]int, len(prev))
	for i, kv := range prev {
		prevPos[kv.Key] = i
	}
	curPos := make(map[K]int, len(cur))
	for i, kv := range cur {
		curPos[kv.Key] = i
	}

	var out kvstream.ChangeSet[KeyValue[V, K], K]
	for i, kv := range cur {
		if oldIdx, existed := prevPos[kv.Key]; existed {
			if oldIdx != i {
				out = append(out, kvstream.NewMovedChange[KeyValue[V, K], K](kv.Key, kv, oldIdx, i))
			}
		} else {
			out = append(out, kvstream.NewAddChange[KeyValue[V, K], K](kv.Key, kv))
		}
	}
	for _, kv := range prev {
		if _, stillThere := curPos[kv.Key]; !stillThere {
			out = append(out, kvstream.NewRemoveChange[KeyValue[V, K], K](kv.Key, kv))
		}
	}
	return out
}

// Virtualiser maintains the latest full ordering (via an internal
// IndexCalculator) and, on request, slices out a window and emits the
// delta against whatever window was previously emitted (§4.9). A request
// that changes neither StartIndex nor Size, and whose resulting window is
// identical to the previous one, yields no emission.
type Virtualiser[V any, K comparable] struct {
	source   kvstream.Observable[V, K]
	comparer KeyValueComparer[V, K]
	requests <-chan PageRequest
}

// NewVirtualiser wraps source, sorted by comparer. requests delivers each
// new (startIndex, size) window on demand.
func NewVirtualiser[V any, K comparable](source kvstream.Observable[V, K], comparer KeyValueComparer[V, K], requests <-chan PageRequest) *Virtualiser[V, K] {
	return &Virtualiser[V, K]{source: source, comparer: comparer, requests: requests}
}

// Subscribe starts the virtualiser for observer.
func (v *Virtualiser[V, K]) Subscribe(ctx context.Context, observer WindowObserver[V, K]) kvstream.Subscription {
	var mu sync.Mutex
	calc := NewIndexCalculator[V, K](v.comparer, kvstream.DefaultSortOptimisations())
	var full []KeyValue[V, K]
	var prevWindow []KeyValue[V, K]
	req := PageRequest{Size: 0}
	var delta FilteredIndexCalculator[V, K]

	applyOrderedChanges := func(indexed kvstream.ChangeSet[KeyValue[V, K], K]) {
		for _, ch := range indexed {
			switch ch.Reason {
			case kvstream.Add:
				pos := ch.CurrentIndex
				idx := len(full)
				if pos == nil {
					idx = insertByComparer(full, ch.Current, v.comparer)
				} else {
					idx = *pos
				}
				full = append(full, KeyValue[V, K]{})
				copy(full[idx+1:], full[idx:])
				full[idx] = ch.Current
			case kvstream.Remove:
				for i, kv := range full {
					if kv.Key == ch.Key {
						full = append(full[:i], full[i+1:]...)
						break
					}
				}
			case kvstream.Update, kvstream.Refresh:
				for i, kv := range full {
					if kv.Key == ch.Key {
						full[i] = ch.Current
						break
					}
				}
			case kvstream.Moved:
				if ch.PreviousIndex != nil && ch.CurrentIndex != nil && *ch.PreviousIndex < len(full) {
					full = append(full[:*ch.PreviousIndex], full[*ch.PreviousIndex+1:]...)
					idx := *ch.CurrentIndex
					full = append(full, KeyValue[V, K]{})
					copy(full[idx+1:], full[idx:])
					full[idx] = ch.Current
				}
			}
		}
	}

	window := func() []KeyValue[V, K] {
		start := req.StartIndex
		if start < 0 || start > len(full) {
			start = len(full)
		}
		end := start + req.Size
		if req.Size <= 0 || end > len(full) {
			end = len(full)
		}
		return full[start:end]
	}

	emit := func() {
		cur := window()
		d := delta.Delta(prevWindow, cur)
		sameWindow := len(d) == 0
		if sameWindow {
			return
		}
		prevWindow = append([]KeyValue[V, K]{}, cur...)
		observer.OnNext(WindowChangeSet[V, K]{Changes: d, Response: PageResponse{StartIndex: req.StartIndex, Size: req.Size, TotalCount: len(full)}})
	}

	upstream := v.source.Subscribe(ctx, kvstream.ObserverFunc[V, K]{
		Next: func(cs kvstream.ChangeSet[V, K]) {
			mu.Lock()
			defer mu.Unlock()
			indexed := calc.Calculate(cs)
			applyOrderedChanges(indexed)
			emit()
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})

	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case r, ok := <-v.requests:
				if !ok {
					return
				}
				mu.Lock()
				req = r
				emit()
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	return disposer(func() {
		once.Do(func() { close(done) })
		upstream.Dispose()
	})
}

func insertByComparer[V any, K comparable](list []KeyValue[V, K], kv KeyValue[V, K], comparer KeyValueComparer[V, K]) int {
	for i, existing := range list {
		if comparer(existing, kv) >= 0 {
			return i
		}
	}
	return len(list)
}

// Paginator is Virtualiser's page-oriented twin: requests name a page
// number and page size rather than a raw start index, translating to the
// same underlying windowing logic (§4.9).
type Paginator[V any, K comparable] struct {
	inner *Virtualiser[V, K]
}

// PageNumberRequest names a 1-based page number and page size.
type PageNumberRequest struct {
	Page     int
	PageSize int
}

// NewPaginator wraps source, translating page-number requests into the
// (startIndex, size) windows Virtualiser understands.
func NewPaginator[V any, K comparable](source kvstream.Observable[V, K], comparer KeyValueComparer[V, K], requests <-chan PageNumberRequest) *Paginator[V, K] {
	translated := make(chan PageRequest)
	go func() {
		defer close(translated)
		for r := range requests {
			page := r.Page
			if page < 1 {
				page = 1
			}
			translated <- PageRequest{StartIndex: (page - 1) * r.PageSize, Size: r.PageSize}
		}
	}()
	return &Paginator[V, K]{inner: NewVirtualiser[V, K](source, comparer, translated)}
}

// Subscribe starts the paginator for observer.
func (p *Paginator[V, K]) Subscribe(ctx context.Context, observer WindowObserver[V, K]) kvstream.Subscription {
	return p.inner.Subscribe(ctx, observer)
}
