package kvstream

// EmissionOptions controls whether an operator forwards a change set that
// turned out to contain zero changes. Operators that accept one (directly
// or embedded in TransformOptions) hold it by value, not pointer, so the
// zero value is the permissive default: forward everything.
type EmissionOptions struct {
	// SuppressEmptyChangeSets, when true, means the operator does not
	// call Emit for a ChangeSet with TotalChanges() == 0.
	SuppressEmptyChangeSets bool
}

// DefaultEmissionOptions returns the engine-wide default: empty change
// sets are forwarded. Most operators that wrap another operator should
// propagate the upstream's choice rather than silently re-defaulting.
func DefaultEmissionOptions() EmissionOptions {
	return EmissionOptions{SuppressEmptyChangeSets: false}
}

// TransformOptions configures the Transform operator family (§4.4).
type TransformOptions struct {
	EmissionOptions

	// TransformOnRefresh, when true, re-runs the transform function on a
	// Refresh change instead of forwarding the Refresh downstream as-is.
	TransformOnRefresh bool
}

// DefaultTransformOptions returns TransformOnRefresh disabled (Refresh is
// forwarded, not re-transformed), matching §9's ignore-unless-documented
// default.
func DefaultTransformOptions() TransformOptions {
	return TransformOptions{EmissionOptions: DefaultEmissionOptions()}
}

// SortOptimisations configures how sorted operators treat re-evaluation
// and position lookups (§6).
type SortOptimisations struct {
	// IgnoreEvaluates, when true, makes sorted calculators treat Refresh
	// by a full re-sort rather than a per-item move calculation.
	IgnoreEvaluates bool

	// ComparesImmutableValuesOnly, when true, allows sorted calculators
	// to use binary search to locate an item's current position (valid
	// only when the comparer's result for a given value never changes
	// across the value's lifetime in the collection).
	ComparesImmutableValuesOnly bool
}

// DefaultSortOptimisations returns both optimisations disabled — the safe
// default for arbitrary, possibly-mutable comparers.
func DefaultSortOptimisations() SortOptimisations {
	return SortOptimisations{}
}

// SortAndBindOptions configures SortedKeyValueApplicator (§4.9).
type SortAndBindOptions struct {
	// ResetThreshold is the batch size above which the applicator
	// replaces its target list wholesale instead of applying per-change
	// inserts/moves/removes. Zero or negative disables wholesale reset.
	ResetThreshold int

	// UseReplaceForUpdates, when true, updates an item in place when its
	// sort position does not change, instead of remove+insert.
	UseReplaceForUpdates bool

	// UseBinarySearch, when true, uses binary search (instead of linear
	// scan) to find insertion positions. An existing item's current
	// position is always found by linear scan.
	UseBinarySearch bool
}

// DefaultSortAndBindOptions returns a 500-item reset threshold, in-place
// updates enabled, and linear search (the conservative default that does
// not assume a well-behaved comparer).
func DefaultSortAndBindOptions() SortAndBindOptions {
	return SortAndBindOptions{
		ResetThreshold:       500,
		UseReplaceForUpdates: true,
		UseBinarySearch:      false,
	}
}

// ExpiryOptions holds the expiry-family options of §4.10. No operator
// constructor in this module takes it, so InvokeOnUnsubscribe has no
// effect on AutoRefresh, TimeExpirer or SizeLimiter.
type ExpiryOptions struct {
	EmissionOptions

	// InvokeOnUnsubscribe, when true, runs the configured item-removed
	// side effect for every remaining item when the stream tears down,
	// not only for items evicted while the stream was live.
	InvokeOnUnsubscribe bool
}

// DefaultExpiryOptions returns InvokeOnUnsubscribe disabled.
func DefaultExpiryOptions() ExpiryOptions {
	return ExpiryOptions{EmissionOptions: DefaultEmissionOptions()}
}

// MergeOptions holds the merge-family options of §4.7. No operator
// constructor in this module takes it, so Completable has no effect on
// MergeChangeSets or MergeManyCacheChangeSets.
type MergeOptions struct {
	EmissionOptions

	// Completable, when true, makes the outer merge stream complete once
	// the outer observable of inner streams completes and every inner
	// stream it ever subscribed to has completed. When false the merged
	// stream is kept alive forever (the common case for a collection
	// that is expected to keep growing new groups/sources).
	Completable bool
}

// DefaultMergeOptions returns Completable disabled (kept alive forever).
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{EmissionOptions: DefaultEmissionOptions()}
}

// ShouldEmit is shared by every operator's emit path: it applies
// EmissionOptions' SuppressEmptyChangeSets policy uniformly. Exported so
// operators implemented outside this package (see package operators) can
// honor the same policy without reimplementing it.
func ShouldEmit[V any, K comparable](o EmissionOptions, changeSet ChangeSet[V, K]) bool {
	if o.SuppressEmptyChangeSets && changeSet.TotalChanges() == 0 {
		return false
	}
	return true
}
