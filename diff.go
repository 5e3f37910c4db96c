package dockache

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Diff describes the change between two versions of a document as an
// RFC7396 JSON merge patch. It is computed opportunistically by UpdateWithDiff
// and carries no semantics for the update loop itself.
type Diff struct {
	// MergePatch is the RFC7396 JSON merge patch from before to after.
	MergePatch json.RawMessage
	// Changed is false when before and after serialize identically.
	Changed bool
}

// ComputeDiff marshals before and after to JSON and produces an RFC7396
// merge patch between them.
func ComputeDiff(before, after any) (Diff, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return Diff{}, fmt.Errorf("dockache: marshaling before document: %w", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return Diff{}, fmt.Errorf("dockache: marshaling after document: %w", err)
	}
	if jsonpatch.Equal(beforeJSON, afterJSON) {
		return Diff{Changed: false}, nil
	}
	patch, err := jsonpatch.CreateMergePatch(beforeJSON, afterJSON)
	if err != nil {
		return Diff{}, fmt.Errorf("dockache: creating merge patch: %w", err)
	}
	return Diff{MergePatch: patch, Changed: true}, nil
}

// UpdateWithDiff runs Update and, on success, additionally computes the
// RFC7396 merge patch between the cached document read just before Update
// is called and the committed result. It costs an extra marshal pair only
// on success; failed/rejected outcomes, and keys not cached beforehand,
// skip it entirely.
func (c *Cache[K, D]) UpdateWithDiff(ctx context.Context, key K, fn func(d D) (D, error)) (Result[D], Diff) {
	before, hadBefore := c.entries.load(key)
	res := c.Update(ctx, key, fn)
	if !res.IsSuccess() || !hadBefore {
		return res, Diff{}
	}
	after, _ := res.GetOrNil()
	diff, err := ComputeDiff(before, after)
	if err != nil {
		c.trace.Warnf("UpdateWithDiff: failed to compute diff for %v: %v", key, err)
		return res, Diff{}
	}
	return res, diff
}
