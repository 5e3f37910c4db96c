package dockache

import "context"

// EventType enumerates the change-stream event kinds a StorageDriver can
// deliver.
type EventType int

const (
	EventInsert EventType = iota
	EventUpdate
	EventReplace
	EventDelete
	EventDrop
	EventRename
	EventDropDatabase
	EventInvalidate
	EventUnknown
)

func (e EventType) String() string {
	switch e {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventReplace:
		return "REPLACE"
	case EventDelete:
		return "DELETE"
	case EventDrop:
		return "DROP"
	case EventRename:
		return "RENAME"
	case EventDropDatabase:
		return "DROP_DATABASE"
	case EventInvalidate:
		return "INVALIDATE"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is a driver-agnostic view of one change-stream event.
// FullDocument/Key are populated only when the underlying event carries
// them (e.g. a DELETE under a driver that doesn't project the deleted
// document still carries Key).
type ChangeEvent[K comparable] struct {
	Type         EventType
	Key          K
	HasKey       bool
	FullDocument any // concrete document type D; nil unless HasKey-independent payload is present
	HasDocument  bool
	ResumeToken  ResumeToken
	ClusterTime  OperationTime
}

// ResumeToken is an opaque, driver-owned bookmark into the change stream.
// It must be comparable with bytes.Equal-style semantics by the driver that
// produced it; dockache never interprets its contents.
type ResumeToken []byte

// OperationTime is an opaque store-side timestamp used to bookmark "just
// before initial load" so a lost resume token can fall back to a point
// earlier than "now".
type OperationTime []byte

// StreamHandle is returned by OpenChangeStream and must be closed by the
// replicator when it stops or restarts the stream.
type StreamHandle[K comparable] interface {
	// Next blocks until an event is available, the context is done, or the
	// stream terminates. A nil error with ok=false means the stream ended
	// cleanly (e.g. closed by Close).
	Next(ctx context.Context) (ev ChangeEvent[K], ok bool, err error)
	// Close releases the underlying driver resources.
	Close(ctx context.Context) error
}

// ReplaceResult reports the outcome of a compare-and-swap replace.
type ReplaceResult struct {
	// Matched reports whether a document matched the {key, version} filter.
	Matched bool
	// Modified reports whether the matched document was actually written.
	// Matched && !Modified can happen if the driver treats a no-op write as
	// a match without a modification (rare, but the loop only needs Matched).
	Modified bool
}

// StorageDriver abstracts CRUD plus a change-stream factory over the
// document store. K is the primary key type, D the document type.
// Implementations live in subpackages (mongostore, cassandrastore); this
// package only depends on the interface.
type StorageDriver[K comparable, D Document[K, D]] interface {
	// Insert inserts doc. It must fail with a *Error{Code: DuplicatePrimaryKey}
	// or *Error{Code: DuplicateUniqueIndex, UserData: indexName} on conflict.
	Insert(ctx context.Context, collection string, doc D) error
	// Read looks up a document by key. ok is false if absent.
	Read(ctx context.Context, collection string, key K) (doc D, ok bool, err error)
	// Delete removes a document by key, reporting whether it existed.
	Delete(ctx context.Context, collection string, key K) (existed bool, err error)
	// ReadAll streams every document of the collection to yield. Iteration
	// stops early if yield returns false or an error.
	ReadAll(ctx context.Context, collection string, yield func(D) (cont bool, err error)) error
	// Count returns the number of documents in the collection.
	Count(ctx context.Context, collection string) (int64, error)
	// HasKey reports whether a key exists without decoding the document.
	HasKey(ctx context.Context, collection string, key K) (bool, error)
	// Clear deletes every document in the collection and returns the count removed.
	Clear(ctx context.Context, collection string) (int64, error)
	// ReadKeys streams every key of the collection to yield.
	ReadKeys(ctx context.Context, collection string, yield func(K) (cont bool, err error)) error
	// ReplaceIfVersionMatches performs the store-side CAS at the heart of the
	// optimistic update loop.
	ReplaceIfVersionMatches(ctx context.Context, collection string, expectedKey K, expectedVersion int64, newDoc D) (ReplaceResult, error)
	// InsertIfAbsent atomically inserts doc if no document exists for its
	// key, or returns the existing document otherwise (created=false). It
	// backs the CreateIfAbsent supplement, grounded on an upsert-with-
	// SetOnInsert style write.
	InsertIfAbsent(ctx context.Context, collection string, doc D) (result D, created bool, err error)
	// RegisterUniqueIndex declares (idempotently) a unique index on fieldName.
	RegisterUniqueIndex(ctx context.Context, collection string, fieldName string) error
	// ReadByUniqueIndex looks up a document by a declared unique index value.
	ReadByUniqueIndex(ctx context.Context, collection string, fieldName string, value any) (doc D, ok bool, err error)
	// CurrentOperationTime returns an opaque bookmark usable as a change-stream
	// start point, captured just before an initial full load.
	CurrentOperationTime(ctx context.Context) (OperationTime, error)
	// OpenChangeStream opens a change-stream for collection, resuming from
	// resumeFrom if non-nil, else from startAt (an OperationTime), else from
	// "now" if both are nil. Drivers that cannot support change streams
	// (e.g. a Cassandra-backed driver) return *Error{Code: ChangeStreamUnsupported}.
	OpenChangeStream(ctx context.Context, collection string, resumeFrom ResumeToken, startAt OperationTime) (StreamHandle[K], error)
}

// DuplicateKeyClassifier lets a driver-specific error be translated into a
// DuplicatePrimaryKey or DuplicateUniqueIndex *Error without the caller
// needing to import the driver package. Drivers implement this on the error
// values they return from Insert/ReplaceIfVersionMatches.
type DuplicateKeyClassifier interface {
	// ViolatedUniqueIndex returns (indexName, true) if the violated constraint
	// is a named secondary unique index, or ("", false) if it is the primary key.
	ViolatedUniqueIndex() (string, bool)
}
