package dockache

import (
	"context"
	"errors"
	"time"
)

// defaultRetryBudget is the default number of CAS attempts before an update
// fails with RetriesExceeded.
const defaultRetryBudget = 50

// nowFunc is swappable in tests that need deterministic RTT observations.
var nowFunc = time.Now

// sameInstance reports whether applied and d are identical, i.e. the
// update callback returned the same instance it was given unmodified. D is
// expected to carry reference semantics
// (a pointer or an interface over one); values whose underlying type is not
// comparable (e.g. contains a slice or map) can never be the same literal
// instance by Go's equality rules, so they are treated as distinct rather
// than panicking.
func sameInstance[D any](applied, d D) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return any(applied) == any(d)
}

// updateFunc is the caller-supplied transformation passed to update/
// updateRejectable. It must return a new value (never the same instance)
// with the same key and version as d; the loop handles the version bump.
type updateFunc[D any] func(d D) (D, error)

// updateLoop is the optimistic-versioned CAS retry loop shared by
// Cache.Update and Cache.UpdateRejectable. fetch returns the current
// cached document for key; cas performs the store-side compare-and-swap;
// accept folds a committed document back into the cache (acceptFromStore).
func updateLoop[K comparable, D Document[K, D]](
	ctx context.Context,
	key K,
	fn updateFunc[D],
	fetch func(K) (D, bool),
	cas func(ctx context.Context, expectedKey K, expectedVersion int64, next D) (ReplaceResult, error),
	refetchFromStore func(ctx context.Context, key K) (D, bool, error),
	accept func(D),
	validate func(before, after D) error,
	rtt *halfRTTTracker,
	budget int,
) Result[D] {
	if budget <= 0 {
		budget = defaultRetryBudget
	}

	d, ok := fetch(key)
	if !ok {
		return Failure[D](NewError(DocumentNotFound, nil, key))
	}

	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return Failure[D](err)
		}

		// Step 2: Apply.
		applied, err := fn(d)
		if err != nil {
			if IsRejectUpdate(err) {
				return Rejected[D](err)
			}
			return Failure[D](err)
		}
		if sameInstance(applied, d) {
			return Failure[D](NewError(UpdateFunctionReturnedSameInstance, nil, key))
		}
		if applied.Key() != d.Key() {
			return Failure[D](NewError(IllegalKeyModification, nil, key))
		}
		if applied.Version() != d.Version() {
			return Failure[D](NewError(IllegalVersionModification, nil, key))
		}

		// Step 3: Bump.
		next := applied.CopyWithVersion(d.Version() + 1)
		if next.Version() != d.Version()+1 {
			return Failure[D](NewError(InvalidCopyHelper, nil, key))
		}
		if validate != nil {
			if err := validate(d, next); err != nil {
				return Failure[D](NewError(DocumentUpdateException, err, key))
			}
		}

		// Step 4: CAS write.
		start := nowFunc()
		res, err := cas(ctx, d.Key(), d.Version(), next)
		rtt.observe(nowFunc().Sub(start))
		if err != nil {
			var classifier DuplicateKeyClassifier
			if errors.As(err, &classifier) {
				if idx, isIndex := classifier.ViolatedUniqueIndex(); isIndex {
					return Failure[D](NewError(DuplicateUniqueIndex, err, idx))
				}
				return Failure[D](NewError(DuplicatePrimaryKey, err, key))
			}
			if isTransientWriteConflict(err) {
				sleep(ctx, casBackoff(attempt, rtt.get()))
				refetched, found, rerr := refetchFromStore(ctx, key)
				if rerr != nil {
					return Failure[D](rerr)
				}
				if !found {
					return Failure[D](NewError(DocumentNotFound, nil, key))
				}
				d = refetched
				continue
			}
			return Failure[D](err)
		}

		if res.Matched {
			accept(next)
			return Success(next)
		}

		// modifiedCount=0: either the version moved under us, or the doc is gone.
		refetched, found, rerr := refetchFromStore(ctx, key)
		if rerr != nil {
			return Failure[D](rerr)
		}
		if !found {
			return Failure[D](NewError(DocumentNotFound, nil, key))
		}
		d = refetched
		sleep(ctx, casBackoff(attempt, rtt.get()))
	}

	return Failure[D](NewError(RetriesExceeded, nil, key))
}

// isTransientWriteConflict reports whether err represents a retryable
// write-conflict signal from the store, as opposed to a permanent error.
// It checks for a transientMarker in the UserData of an *Error. The marker
// type is unexported and none of the shipped drivers attach it, so only
// code inside this package can produce an error that passes this check.
func isTransientWriteConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if marker, ok := e.UserData.(transientMarker); ok {
			return bool(marker)
		}
	}
	return false
}

// transientMarker is attached as UserData on driver errors that are safe to
// retry without operator intervention (e.g. a replica-set step-down).
type transientMarker bool
