package operators

import (
	"context"
	"sort"
	"sync"

	"kvstream"
)

// KeyValue pairs a key and value for sorted/paged projections.
type KeyValue[V any, K comparable] struct {
	Key   K
	Value V
}

// KeyValueComparer orders two KeyValue pairs for a sorted projection.
type KeyValueComparer[V any, K comparable] func(a, b KeyValue[V, K]) int

// KeyValueCollection is an ordered, read-only snapshot of a sorted
// projection's current contents (§4.9). It is a plain slice with IndexOf
// only; Virtualiser and Paginator keep their own []KeyValue ordering and
// do not use it.
type KeyValueCollection[V any, K comparable] []KeyValue[V, K]

// IndexOf returns the position of key in the collection, or -1.
func (c KeyValueCollection[V, K]) IndexOf(key K) int {
	for i, kv := range c {
		if kv.Key == key {
			return i
		}
	}
	return -1
}

// SortedKeyValueApplicator holds a Cache plus a target ordered list and
// applies each incoming batch to keep the list sorted under comparer
// (§4.9). It is the "bind to a list" half of sorting — unlike
// IndexCalculator it does not itself produce a ChangeSet with indices, it
// mutates Target directly.
type SortedKeyValueApplicator[V any, K comparable] struct {
	cache      *kvstream.Cache[V, K]
	Target     []KeyValue[V, K]
	comparer   KeyValueComparer[V, K]
	options    kvstream.SortAndBindOptions
}

// NewSortedKeyValueApplicator returns an applicator with an empty target.
func NewSortedKeyValueApplicator[V any, K comparable](comparer KeyValueComparer[V, K], options kvstream.SortAndBindOptions) *SortedKeyValueApplicator[V, K] {
	return &SortedKeyValueApplicator[V, K]{cache: kvstream.NewCache[V, K](), comparer: comparer, options: options}
}

func (a *SortedKeyValueApplicator[V, K]) insertPos(kv KeyValue[V, K]) int {
	if a.options.UseBinarySearch {
		return sort.Search(len(a.Target), func(i int) bool { return a.comparer(a.Target[i], kv) >= 0 })
	}
	for i, existing := range a.Target {
		if a.comparer(existing, kv) >= 0 {
			return i
		}
	}
	return len(a.Target)
}

// ApplyBatch applies cs to the cache and target list per §4.9's rules:
// above ResetThreshold, wholesale re-sort and replace; otherwise per-change
// insert/move/remove.
func (a *SortedKeyValueApplicator[V, K]) ApplyBatch(cs kvstream.ChangeSet[V, K]) {
	a.cache.Clone(cs)

	if a.options.ResetThreshold > 0 && len(cs) > a.options.ResetThreshold {
		a.reset()
		return
	}

	for _, ch := range cs {
		switch ch.Reason {
		case kvstream.Add:
			kv := KeyValue[V, K]{Key: ch.Key, Value: ch.Current}
			pos := a.insertPos(kv)
			a.Target = append(a.Target, KeyValue[V, K]{})
			copy(a.Target[pos+1:], a.Target[pos:])
			a.Target[pos] = kv
		case kvstream.Update:
			old := a.indexOf(ch.Key)
			if old < 0 {
				continue
			}
			newKV := KeyValue[V, K]{Key: ch.Key, Value: ch.Current}
			newPos := a.insertPos(newKV)
			if newPos > old {
				newPos--
			}
			a.Target = append(a.Target[:old], a.Target[old+1:]...)
			if a.options.UseReplaceForUpdates && newPos == old {
				a.Target = append(a.Target[:old], append([]KeyValue[V, K]{newKV}, a.Target[old:]...)...)
				continue
			}
			a.Target = append(a.Target, KeyValue[V, K]{})
			copy(a.Target[newPos+1:], a.Target[newPos:])
			a.Target[newPos] = newKV
		case kvstream.Remove:
			if pos := a.indexOf(ch.Key); pos >= 0 {
				a.Target = append(a.Target[:pos], a.Target[pos+1:]...)
			}
		case kvstream.Refresh:
			old := a.indexOf(ch.Key)
			if old < 0 {
				continue
			}
			kv := KeyValue[V, K]{Key: ch.Key, Value: ch.Current}
			withoutOld := append(append([]KeyValue[V, K]{}, a.Target[:old]...), a.Target[old+1:]...)
			newPos := a.insertPosIn(withoutOld, kv)
			if newPos == old {
				a.Target[old] = kv
				continue
			}
			a.Target = append(withoutOld[:newPos], append([]KeyValue[V, K]{kv}, withoutOld[newPos:]...)...)
		case kvstream.Moved:
			// ignored: moves are re-derived from the sort, not replayed.
		}
	}
}

func (a *SortedKeyValueApplicator[V, K]) indexOf(key K) int {
	for i, kv := range a.Target {
		if kv.Key == key {
			return i
		}
	}
	return -1
}

func (a *SortedKeyValueApplicator[V, K]) insertPosIn(list []KeyValue[V, K], kv KeyValue[V, K]) int {
	for i, existing := range list {
		if a.comparer(existing, kv) >= 0 {
			return i
		}
	}
	return len(list)
}

func (a *SortedKeyValueApplicator[V, K]) reset() {
	kvs := a.cache.KeyValues()
	list := make([]KeyValue[V, K], 0, len(kvs))
	for k, v := range kvs {
		list = append(list, KeyValue[V, K]{Key: k, Value: v})
	}
	sort.Slice(list, func(i, j int) bool { return a.comparer(list[i], list[j]) < 0 })
	a.Target = list
}

// IndexCalculator is the sorted change-set calculator counterpart of
// SortedKeyValueApplicator (§4.9): instead of mutating a bound list
// in-place, it produces a ChangeSet[V,K] annotated with indices and
// synthetic Moved entries, so a downstream consumer that wants its own
// index-aware view (a UI list binding, say) can apply it directly.
type IndexCalculator[V any, K comparable] struct {
	mu           sync.Mutex
	comparer     KeyValueComparer[V, K]
	optimisations kvstream.SortOptimisations
	ordered      []KeyValue[V, K]
}

// NewIndexCalculator returns a calculator with an empty ordering.
func NewIndexCalculator[V any, K comparable](comparer KeyValueComparer[V, K], optimisations kvstream.SortOptimisations) *IndexCalculator[V, K] {
	return &IndexCalculator[V, K]{comparer: comparer, optimisations: optimisations}
}

func (c *IndexCalculator[V, K]) indexOf(key K) int {
	if c.optimisations.ComparesImmutableValuesOnly {
		return sort.Search(len(c.ordered), func(i int) bool {
			return c.comparer(c.ordered[i], KeyValue[V, K]{Key: key}) >= 0
		})
	}
	for i, kv := range c.ordered {
		if kv.Key == key {
			return i
		}
	}
	return -1
}

func (c *IndexCalculator[V, K]) insertPos(kv KeyValue[V, K]) int {
	return sort.Search(len(c.ordered), func(i int) bool { return c.comparer(c.ordered[i], kv) >= 0 })
}

// Calculate applies cs to the calculator's internal ordering and returns
// an indexed ChangeSet including Moved entries for items whose position
// changed.
func (c *IndexCalculator[V, K]) Calculate(cs kvstream.ChangeSet[V, K]) kvstream.ChangeSet[KeyValue[V, K], K] {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out kvstream.ChangeSet[KeyValue[V, K], K]
	for _, ch := range cs {
		switch ch.Reason {
		case kvstream.Add:
			kv := KeyValue[V, K]{Key: ch.Key, Value: ch.Current}
			pos := c.insertPos(kv)
			c.ordered = append(c.ordered, KeyValue[V, K]{})
			copy(c.ordered[pos+1:], c.ordered[pos:])
			c.ordered[pos] = kv
			out = append(out, kvstream.NewAddChange[KeyValue[V, K], K](ch.Key, kv))
		case kvstream.Update:
			oldPos := c.indexOf(ch.Key)
			if oldPos < 0 {
				continue
			}
			newKV := KeyValue[V, K]{Key: ch.Key, Value: ch.Current}
			newPos := c.insertPos(newKV)
			if newPos > oldPos {
				newPos--
			}
			c.ordered = append(c.ordered[:oldPos], c.ordered[oldPos+1:]...)
			c.ordered = append(c.ordered, KeyValue[V, K]{})
			copy(c.ordered[newPos+1:], c.ordered[newPos:])
			c.ordered[newPos] = newKV
			if newPos != oldPos {
				out = append(out, kvstream.NewMovedChange[KeyValue[V, K], K](ch.Key, newKV, oldPos, newPos))
			} else {
				var prev KeyValue[V, K]
				if ch.Previous != nil {
					prev = KeyValue[V, K]{Key: ch.Key, Value: *ch.Previous}
				}
				out = append(out, kvstream.NewUpdateChange[KeyValue[V, K], K](ch.Key, newKV, prev))
			}
		case kvstream.Remove:
			pos := c.indexOf(ch.Key)
			if pos < 0 {
				continue
			}
			kv := c.ordered[pos]
			c.ordered = append(c.ordered[:pos], c.ordered[pos+1:]...)
			out = append(out, kvstream.NewRemoveChange[KeyValue[V, K], K](ch.Key, kv))
		case kvstream.Refresh:
			if c.optimisations.IgnoreEvaluates {
				c.resetLocked()
				continue
			}
			oldPos := c.indexOf(ch.Key)
			if oldPos < 0 {
				continue
			}
			kv := KeyValue[V, K]{Key: ch.Key, Value: ch.Current}
			c.ordered = append(c.ordered[:oldPos], c.ordered[oldPos+1:]...)
			newPos := c.insertPos(kv)
			c.ordered = append(c.ordered, KeyValue[V, K]{})
			copy(c.ordered[newPos+1:], c.ordered[newPos:])
			c.ordered[newPos] = kv
			if newPos != oldPos {
				out = append(out, kvstream.NewMovedChange[KeyValue[V, K], K](ch.Key, kv, oldPos, newPos))
			} else {
				out = append(out, kvstream.NewRefreshChange[KeyValue[V, K], K](ch.Key, kv))
			}
		case kvstream.Moved:
			// dropped: moves are re-derived, not replayed.
		}
	}
	return out
}

func (c *IndexCalculator[V, K]) resetLocked() {
	sort.Slice(c.ordered, func(i, j int) bool { return c.comparer(c.ordered[i], c.ordered[j]) < 0 })
}
