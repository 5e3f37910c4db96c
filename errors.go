package dockache

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the error kinds this package can surface through the
// Result algebra (see result.go). Callers should branch on Code, not on the
// formatted message.
type ErrorCode int

const (
	// Unknown is an unspecified error condition; should not normally escape the package.
	Unknown ErrorCode = iota
	// DocumentNotFound means the key was absent at the store at CAS or replace time.
	DocumentNotFound
	// DuplicatePrimaryKey means create/update collided on the primary key.
	DuplicatePrimaryKey
	// DuplicateUniqueIndex means the write collided on a declared secondary unique index.
	DuplicateUniqueIndex
	// IllegalKeyModification means the updater function changed the document's key.
	IllegalKeyModification
	// IllegalVersionModification means the updater function changed the document's version.
	IllegalVersionModification
	// UpdateFunctionReturnedSameInstance means the updater returned the same instance it was given.
	UpdateFunctionReturnedSameInstance
	// InvalidCopyHelper means CopyWithVersion did not actually carry the requested version.
	InvalidCopyHelper
	// DocumentUpdateException means a subclass-level validation hook rejected the update.
	DocumentUpdateException
	// RetriesExceeded means the update loop exhausted its attempt budget.
	RetriesExceeded
	// DuplicateDatabase means a registry registration collided on the lowercased full database name.
	DuplicateDatabase
	// InvalidInitializer means a create() initializer left the key or version in a bad state.
	InvalidInitializer
	// Closed means the operation was attempted against a cache that is draining or stopped.
	Closed
	// ChangeStreamFatal marks a terminal stream event or unrecoverable driver error.
	ChangeStreamFatal
	// ChangeStreamUnsupported means the storage driver cannot open a change stream.
	ChangeStreamUnsupported
	// DriverError wraps an unclassified error returned by the storage driver.
	DriverError
)

func (c ErrorCode) String() string {
	switch c {
	case DocumentNotFound:
		return "DocumentNotFound"
	case DuplicatePrimaryKey:
		return "DuplicatePrimaryKey"
	case DuplicateUniqueIndex:
		return "DuplicateUniqueIndex"
	case IllegalKeyModification:
		return "IllegalKeyModification"
	case IllegalVersionModification:
		return "IllegalVersionModification"
	case UpdateFunctionReturnedSameInstance:
		return "UpdateFunctionReturnedSameInstance"
	case InvalidCopyHelper:
		return "InvalidCopyHelper"
	case DocumentUpdateException:
		return "DocumentUpdateException"
	case RetriesExceeded:
		return "RetriesExceeded"
	case DuplicateDatabase:
		return "DuplicateDatabase"
	case InvalidInitializer:
		return "InvalidInitializer"
	case Closed:
		return "Closed"
	case ChangeStreamFatal:
		return "ChangeStreamFatal"
	case ChangeStreamUnsupported:
		return "ChangeStreamUnsupported"
	case DriverError:
		return "DriverError"
	default:
		return "Unknown"
	}
}

// Error is a dockache-specific error carrying a code, the wrapped cause and
// optional user data (e.g. the violated index name for DuplicateUniqueIndex).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dockache: %s", e.Code)
	}
	return fmt.Errorf("dockache: %s (user data: %v): %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error with the given code, wrapped cause and user data.
func NewError(code ErrorCode, err error, userData any) *Error {
	return &Error{Code: code, Err: err, UserData: userData}
}

// CodeOf extracts the ErrorCode from err if it (or a wrapped cause) is a *Error.
// It returns Unknown if err is nil or carries no dockache error code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IndexViolation returns the unique index name carried by a DuplicateUniqueIndex
// error's UserData, or "" if err is not such an error.
func IndexViolation(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Code != DuplicateUniqueIndex {
		return ""
	}
	name, _ := e.UserData.(string)
	return name
}

// RejectUpdate is the sentinel an updater function passed to UpdateRejectable
// may return (wrapped in an error, via NewRejectUpdate) to cooperatively
// decline the update without it being treated as a Failure.
type RejectUpdate struct {
	Reason string
}

func (r *RejectUpdate) Error() string {
	if r.Reason == "" {
		return "update rejected"
	}
	return "update rejected: " + r.Reason
}

// NewRejectUpdate builds a RejectUpdate error with the given reason.
func NewRejectUpdate(reason string) error {
	return &RejectUpdate{Reason: reason}
}

// IsRejectUpdate reports whether err is (or wraps) a *RejectUpdate sentinel.
func IsRejectUpdate(err error) bool {
	var r *RejectUpdate
	return errors.As(err, &r)
}

// indexNameFromClassifier extracts the violated unique index name from err
// if it implements DuplicateKeyClassifier.
func indexNameFromClassifier(err error) (string, bool) {
	var classifier DuplicateKeyClassifier
	if errors.As(err, &classifier) {
		return classifier.ViolatedUniqueIndex()
	}
	return "", false
}

// classifyInsertError maps a raw driver error from Insert into the
// DuplicatePrimaryKey/DuplicateUniqueIndex/Unknown codes used for metrics
// and Result construction, consulting DuplicateKeyClassifier when present.
func classifyInsertError(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var classifier DuplicateKeyClassifier
	if errors.As(err, &classifier) {
		if _, isIndex := classifier.ViolatedUniqueIndex(); isIndex {
			return DuplicateUniqueIndex
		}
		return DuplicatePrimaryKey
	}
	return Unknown
}
