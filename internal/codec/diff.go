// Package codec computes diagnostic JSON merge patch diffs between an Update
// change's previous and current value, for attaching to log lines. It has
// no bearing on the change-set data model itself — Change[V,K] carries
// Previous/Current directly — this is purely a debug-log aid, the way the
// teacher's WatchEvent carries an optional Diff alongside Data.
package codec

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"
)

// Diff marshals previous and current to JSON and returns the JSON merge
// patch turning one into the other, as a zap.Field ready to attach to an
// Update log line. ok is false when either value fails to marshal (a
// channel type, a function field, etc.), when no merge patch can be built,
// or when the patch is empty ("{}") — callers should omit the field in
// that case rather than log a misleading diff.
func Diff(previous, current any) (field zap.Field, ok bool) {
	before, err := json.Marshal(previous)
	if err != nil {
		return zap.Skip(), false
	}
	after, err := json.Marshal(current)
	if err != nil {
		return zap.Skip(), false
	}

	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return zap.Skip(), false
	}
	if string(patch) == "{}" {
		return zap.Skip(), false
	}

	return zap.String("diff", string(patch)), true
}
