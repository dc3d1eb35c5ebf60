package kvstream

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound names a reference to a key that is not present in
	// the relevant cache. No function in this module returns it.
	ErrKeyNotFound = errors.New("kvstream: key not found")

	// ErrAlreadyDisposed names an operation attempted on a subscription
	// after its Dispose has already run. No function in this module
	// returns it.
	ErrAlreadyDisposed = errors.New("kvstream: subscription already disposed")

	// ErrMissingPrevious names an Update change constructed or observed
	// without its required Previous value. No function in this module
	// returns it.
	ErrMissingPrevious = errors.New("kvstream: update change missing previous value")

	// ErrMissingDestination is returned by TransformWithInlineUpdate when
	// an Update arrives for a key that has no prior transformed
	// destination to mutate in place.
	ErrMissingDestination = errors.New("kvstream: inline update has no existing destination")

	// ErrSchedulerClosed names scheduling work against a scheduler whose
	// owning subscription has already torn down. No function in this
	// module returns it.
	ErrSchedulerClosed = errors.New("kvstream: scheduler is closed")
)

// InvariantKind names the specific invariant an InvariantError reports.
type InvariantKind string

const (
	// InvariantUpdateMissingPrevious: an Update change had no Previous.
	InvariantUpdateMissingPrevious InvariantKind = "update_missing_previous"
	// InvariantMovedMissingIndex: a Moved change was missing an index.
	InvariantMovedMissingIndex InvariantKind = "moved_missing_index"
	// InvariantSortPositionNotFound: a sorted operator could not locate
	// an item it expected to find in its maintained ordering.
	InvariantSortPositionNotFound InvariantKind = "sort_position_not_found"
	// InvariantNonUniqueComparer: a binary search was attempted with a
	// comparer that does not produce a strict total order over the
	// current contents, so the search result cannot be trusted.
	InvariantNonUniqueComparer InvariantKind = "non_unique_comparer"
	// InvariantDuplicateKey: an Add arrived for a key already present.
	InvariantDuplicateKey InvariantKind = "duplicate_key"
)

// InvariantError reports a fatal, programmer-visible violation of one of
// the engine's documented invariants (see spec §7 "Invariant violation").
// No operator in this module constructs or raises one; an inline-update
// Update for a key with no destination, for instance, is reported as
// ErrMissingDestination inside an ItemError.
type InvariantError struct {
	Kind InvariantKind
	Key  any
	Msg  string
}

func (e *InvariantError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("kvstream: invariant violated (%s) for key %v: %s", e.Kind, e.Key, e.Msg)
	}
	return fmt.Sprintf("kvstream: invariant violated (%s): %s", e.Kind, e.Msg)
}

// Is reports whether target is the sentinel this kind of InvariantError
// represents, so callers can use errors.Is without knowing the Kind.
func (e *InvariantError) Is(target error) bool {
	return target == errInvariantViolation
}

// errInvariantViolation is the sentinel InvariantError.Is compares
// against; it is never returned directly, only wrapped by InvariantError.
var errInvariantViolation = errors.New("kvstream: invariant violation")

func (e *InvariantError) Unwrap() error {
	return errInvariantViolation
}

// NewInvariantError builds an InvariantError for kind, optionally
// attaching the offending key.
func NewInvariantError(kind InvariantKind, key any, msg string) *InvariantError {
	return &InvariantError{Kind: kind, Key: key, Msg: msg}
}

// ItemError carries a client-code error (from a predicate, selector,
// comparer, or transform function) together with the value and key that
// triggered it, for routing to a per-operator ExceptionCallback instead of
// tearing down the whole subscription (see spec §7, "local recovery").
type ItemError[V any, K comparable] struct {
	Err   error
	Value V
	Key   K
}

func (e *ItemError[V, K]) Error() string {
	return fmt.Sprintf("kvstream: error processing key %v: %v", e.Key, e.Err)
}

func (e *ItemError[V, K]) Unwrap() error {
	return e.Err
}

// ExceptionCallback receives item-level errors that an operator has
// chosen to capture rather than forward to OnError; the offending change
// is discarded (no cache mutation occurs for that key).
type ExceptionCallback[V any, K comparable] func(err error, value V, key K)
