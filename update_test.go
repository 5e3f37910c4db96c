package dockache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type counterDoc struct {
	K string
	V int64
	N int
}

func (c counterDoc) Key() string               { return c.K }
func (c counterDoc) Version() int64            { return c.V }
func (c counterDoc) CopyWithVersion(v int64) counterDoc { c.V = v; return c }

func newUpdateFixture(initial counterDoc) (fetch func(string) (counterDoc, bool), cas func(context.Context, string, int64, counterDoc) (ReplaceResult, error), store map[string]counterDoc) {
	store = map[string]counterDoc{initial.K: initial}
	fetch = func(k string) (counterDoc, bool) {
		d, ok := store[k]
		return d, ok
	}
	cas = func(ctx context.Context, expectedKey string, expectedVersion int64, next counterDoc) (ReplaceResult, error) {
		cur, ok := store[expectedKey]
		if !ok || cur.V != expectedVersion {
			return ReplaceResult{Matched: false}, nil
		}
		store[expectedKey] = next
		return ReplaceResult{Matched: true, Modified: true}, nil
	}
	return fetch, cas, store
}

func noopAccept(counterDoc)                     {}
func noopRefetch(store map[string]counterDoc) func(context.Context, string) (counterDoc, bool, error) {
	return func(ctx context.Context, k string) (counterDoc, bool, error) {
		d, ok := store[k]
		return d, ok, nil
	}
}

func TestUpdateLoop_SuccessfulFirstAttempt(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0, N: 1})
	var accepted counterDoc
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.N++; return d, nil },
		fetch, cas, noopRefetch(store),
		func(d counterDoc) { accepted = d },
		nil, newHalfRTTTracker(), 10,
	)
	d, ok := res.GetOrNil()
	if !ok {
		t.Fatalf("expected success, got %v", res.ExceptionOrNil())
	}
	if d.N != 2 || d.V != 1 {
		t.Errorf("committed doc = %+v, want N=2 V=1", d)
	}
	if accepted.V != 1 {
		t.Error("accept callback should have been called with the committed document")
	}
}

func TestUpdateLoop_KeyNotFound(t *testing.T) {
	fetch := func(string) (counterDoc, bool) { return counterDoc{}, false }
	res := updateLoop[string, counterDoc](
		context.Background(), "missing",
		func(d counterDoc) (counterDoc, error) { return d, nil },
		fetch, nil, nil, noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != DocumentNotFound {
		t.Errorf("expected DocumentNotFound, got %v", res.ExceptionOrNil())
	}
}

func TestUpdateLoop_SameInstanceRejected(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { return d, nil }, // returns the same value
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != UpdateFunctionReturnedSameInstance {
		t.Errorf("expected UpdateFunctionReturnedSameInstance, got %v", res.ExceptionOrNil())
	}
}

func TestUpdateLoop_IllegalKeyModification(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.K = "b"; return d, nil },
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != IllegalKeyModification {
		t.Errorf("expected IllegalKeyModification, got %v", res.ExceptionOrNil())
	}
}

func TestUpdateLoop_IllegalVersionModification(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.V = 9; return d, nil },
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != IllegalVersionModification {
		t.Errorf("expected IllegalVersionModification, got %v", res.ExceptionOrNil())
	}
}

func TestUpdateLoop_RejectUpdate(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { return d, NewRejectUpdate("business rule") },
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if !res.IsRejected() {
		t.Fatalf("expected Rejected, got %+v", res)
	}
}

func TestUpdateLoop_ValidateHookRejectsUpdate(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	validateErr := errors.New("invariant violated")
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.N = -1; return d, nil },
		fetch, cas, noopRefetch(store),
		noopAccept,
		func(before, after counterDoc) error {
			if after.N < 0 {
				return validateErr
			}
			return nil
		},
		newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != DocumentUpdateException {
		t.Errorf("expected DocumentUpdateException, got %v", res.ExceptionOrNil())
	}
}

func TestUpdateLoop_ConcurrentVersionBumpTriggersRefetchAndRetry(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0, N: 1})

	attempts := 0
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) {
			attempts++
			if attempts == 1 {
				// simulate another writer winning the race for version 0->1
				// after fn observed version 0 but before this attempt's CAS.
				store["a"] = counterDoc{K: "a", V: 1, N: 99}
			}
			d.N++
			return d, nil
		},
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	d, ok := res.GetOrNil()
	if !ok {
		t.Fatalf("expected eventual success, got %v", res.ExceptionOrNil())
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts after the concurrent bump, got %d", attempts)
	}
	if d.N != 100 {
		t.Errorf("final doc N = %d, want 100 (99+1 from the retried attempt)", d.N)
	}
}

func TestUpdateLoop_RetriesExceeded(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	// Every CAS attempt loses the race: another writer bumps first.
	bumpedCAS := func(ctx context.Context, expectedKey string, expectedVersion int64, next counterDoc) (ReplaceResult, error) {
		store["a"] = counterDoc{K: "a", V: store["a"].V + 1}
		return ReplaceResult{Matched: false}, nil
	}
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.N++; return d, nil },
		fetch, bumpedCAS, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 3,
	)
	_ = cas
	if CodeOf(res.ExceptionOrNil()) != RetriesExceeded {
		t.Errorf("expected RetriesExceeded, got %v", res.ExceptionOrNil())
	}
}

func TestUpdateLoop_DuplicateUniqueIndexOnCAS(t *testing.T) {
	fetch, _, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	cas := func(ctx context.Context, expectedKey string, expectedVersion int64, next counterDoc) (ReplaceResult, error) {
		return ReplaceResult{}, &fakeDuplicateKeyErr{indexName: "sku", isIndex: true}
	}
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.N++; return d, nil },
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != DuplicateUniqueIndex {
		t.Errorf("expected DuplicateUniqueIndex, got %v", res.ExceptionOrNil())
	}
	if IndexViolation(res.ExceptionOrNil()) != "sku" {
		t.Errorf("IndexViolation = %q, want sku", IndexViolation(res.ExceptionOrNil()))
	}
}

func TestUpdateLoop_TransientConflictRetriesAfterRefetch(t *testing.T) {
	fetch, _, store := newUpdateFixture(counterDoc{K: "a", V: 0, N: 1})
	calls := 0
	cas := func(ctx context.Context, expectedKey string, expectedVersion int64, next counterDoc) (ReplaceResult, error) {
		calls++
		if calls == 1 {
			return ReplaceResult{}, NewError(DriverError, errors.New("step-down"), transientMarker(true))
		}
		store["a"] = next
		return ReplaceResult{Matched: true, Modified: true}, nil
	}
	res := updateLoop[string, counterDoc](
		context.Background(), "a",
		func(d counterDoc) (counterDoc, error) { d.N++; return d, nil },
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if !res.IsSuccess() {
		t.Fatalf("expected eventual success after transient conflict, got %v", res.ExceptionOrNil())
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 CAS calls, got %d", calls)
	}
}

func TestUpdateLoop_ContextCancelledMidLoop(t *testing.T) {
	fetch, cas, store := newUpdateFixture(counterDoc{K: "a", V: 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := updateLoop[string, counterDoc](
		ctx, "a",
		func(d counterDoc) (counterDoc, error) { return d, nil },
		fetch, cas, noopRefetch(store), noopAccept, nil, newHalfRTTTracker(), 10,
	)
	if res.IsSuccess() {
		t.Error("expected failure on an already-cancelled context")
	}
}

func TestUpdateLoop_InvalidCopyHelper(t *testing.T) {
	fetch := func(string) (badCopyDoc, bool) { return badCopyDoc{K: "a", V: 0}, true }
	cas := func(ctx context.Context, expectedKey string, expectedVersion int64, next badCopyDoc) (ReplaceResult, error) {
		return ReplaceResult{Matched: true, Modified: true}, nil
	}
	res := updateLoop[string, badCopyDoc](
		context.Background(), "a",
		// changes a field but leaves Key/Version as handed in, so it clears
		// the step-2 checks and only step 3's CopyWithVersion guard can catch it.
		func(d badCopyDoc) (badCopyDoc, error) { d.N++; return d, nil },
		fetch, cas,
		func(ctx context.Context, k string) (badCopyDoc, bool, error) { return badCopyDoc{}, false, nil },
		func(badCopyDoc) {}, nil, newHalfRTTTracker(), 10,
	)
	if CodeOf(res.ExceptionOrNil()) != InvalidCopyHelper {
		t.Errorf("expected InvalidCopyHelper, got %v", res.ExceptionOrNil())
	}
}

// badCopyDoc's CopyWithVersion ignores the requested version, exercising the
// step-3 guard against a broken CopyWithVersion implementation.
type badCopyDoc struct {
	K string
	V int64
	N int
}

func (b badCopyDoc) Key() string                      { return b.K }
func (b badCopyDoc) Version() int64                   { return b.V }
func (b badCopyDoc) CopyWithVersion(int64) badCopyDoc { return b }

func TestSameInstance_ComparableEqual(t *testing.T) {
	d := counterDoc{K: "a", V: 1, N: 2}
	if !sameInstance(d, d) {
		t.Error("identical comparable values should report sameInstance=true")
	}
	other := counterDoc{K: "a", V: 1, N: 3}
	if sameInstance(d, other) {
		t.Error("differing comparable values should report sameInstance=false")
	}
}

func TestSameInstance_UncomparableTypeDoesNotPanic(t *testing.T) {
	type sliceDoc struct {
		Items []int
	}
	a := sliceDoc{Items: []int{1, 2}}
	b := sliceDoc{Items: []int{1, 2}}
	if sameInstance(a, b) {
		t.Error("uncomparable underlying type should never report sameInstance=true")
	}
}

func TestIsTransientWriteConflict(t *testing.T) {
	if !isTransientWriteConflict(NewError(DriverError, nil, transientMarker(true))) {
		t.Error("expected transient marker to be recognized")
	}
	if isTransientWriteConflict(NewError(DriverError, nil, transientMarker(false))) {
		t.Error("false transient marker should not be treated as transient")
	}
	if isTransientWriteConflict(errors.New("plain")) {
		t.Error("a non-*Error should never be treated as transient")
	}
}

func init() {
	// The update-loop tests use the real wall clock for timing.
	nowFunc = time.Now
}
