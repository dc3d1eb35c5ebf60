// Package snapshot deep-copies values placed into a new subscriber's
// initial replay batch, generalizing the teacher's Cachable[T].Copy()
// contract to an arbitrary, opaque V without requiring every value type
// to implement an interface.
package snapshot

import "github.com/jinzhu/copier"

// Copy returns a deep copy of v. If v cannot be deep-copied by reflection
// (an unexported-field-only struct, a channel, a function value), the
// zero-cost fallback is v itself — the same value shared by reference,
// which is only unsafe if the subscriber mutates it in place, a risk the
// caller accepts by passing such a V.
func Copy[V any](v V) V {
	var out V
	if err := copier.Copy(&out, &v); err != nil {
		return v
	}
	return out
}
