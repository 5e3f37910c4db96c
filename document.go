package dockache

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Document is the capability set a host type must provide to be stored in a
// Cache. D is the concrete host type itself (a self-referential type
// parameter), so CopyWithVersion can return the concrete type rather than
// the interface - mirroring the "accept interfaces, return structs" idiom.
//
// Implementations must be immutable: CopyWithVersion returns a new value
// rather than mutating the receiver.
type Document[K comparable, D any] interface {
	// Key returns the document's primary identifier.
	Key() K
	// Version returns the document's monotonic version counter.
	Version() int64
	// CopyWithVersion returns a copy of the document with Version() == version
	// and every other field unchanged. It must not mutate the receiver.
	CopyWithVersion(version int64) D
}

// Binding is embedded by host document types to carry the "backreference to
// its owning cache" described by the data model. It is a weak handle: a
// cache name resolved through the registry, never a live pointer, so
// deserializing a document from the store and re-attaching it cannot create
// a reference cycle. A zero-value Binding is detached.
type Binding struct {
	cacheName string
}

// Bind attaches the document to the named cache. Called by the cache engine
// at materialization time; host code should not normally call this directly.
func (b *Binding) Bind(cacheName string) { b.cacheName = cacheName }

// Detach clears the binding, marking the instance DETACHED.
func (b *Binding) Detach() { b.cacheName = "" }

// CacheName returns the name of the cache this instance is bound to, or ""
// if it is detached.
func (b Binding) CacheName() string { return b.cacheName }

// IsDetached reports whether the instance carries no cache binding.
func (b Binding) IsDetached() bool { return b.cacheName == "" }

// Bound returns b itself, so any host type that embeds Binding anonymously
// automatically satisfies the Bound interface below through promotion.
func (b Binding) Bound() Binding { return b }

// Bound is implemented by host document types that embed Binding, letting
// StatusOf resolve DETACHED without requiring every Document implementation
// to also implement it (a document type that never detaches, e.g. one
// materialized only by tests, can skip embedding Binding entirely - StatusOf
// then simply never reports DETACHED for it).
type Bound interface {
	Bound() Binding
}

// bindDocument returns a copy of d with its embedded Binding (if any) pointed
// at cacheName, by taking the address of the local copy and type-asserting
// for a pointer-receiver Bind method - the shape *Binding's Bind method
// promotes onto any host struct that embeds Binding by value.
func bindDocument[D any](d D, cacheName string) D {
	if binder, ok := any(&d).(interface{ Bind(string) }); ok {
		binder.Bind(cacheName)
	}
	return d
}

// Status is the derived (never stored) lifecycle state of a document
// instance relative to its cache, as described in the data model.
type Status int

const (
	// StatusFresh means the cache holds exactly this (key, version).
	StatusFresh Status = iota
	// StatusStale means the cache holds this key at a different version.
	StatusStale
	// StatusDeleted means the cache holds no entry for this key.
	StatusDeleted
	// StatusDetached means the instance is not bound to any cache.
	StatusDetached
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "FRESH"
	case StatusStale:
		return "STALE"
	case StatusDeleted:
		return "DELETED"
	case StatusDetached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// KeyCodec supplies the keyToString/keyFromString helpers needed for
// logging and resume-time id extraction from change-stream events.
type KeyCodec[K comparable] interface {
	ToString(K) string
	FromString(string) (K, error)
}

// StringKeyCodec is the identity KeyCodec for string keys.
type StringKeyCodec struct{}

func (StringKeyCodec) ToString(k string) string { return k }
func (StringKeyCodec) FromString(s string) (string, error) { return s, nil }

// Int64KeyCodec is the KeyCodec for int64 keys.
type Int64KeyCodec struct{}

func (Int64KeyCodec) ToString(k int64) string { return strconv.FormatInt(k, 10) }
func (Int64KeyCodec) FromString(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

// UUIDKeyCodec is the KeyCodec for github.com/google/uuid-backed keys.
type UUIDKeyCodec struct{}

func (UUIDKeyCodec) ToString(k uuid.UUID) string { return k.String() }
func (UUIDKeyCodec) FromString(s string) (uuid.UUID, error) { return uuid.Parse(s) }

// keyString renders a key as a string without a codec: its String method
// if it has one, otherwise fmt.Sprint. Shard hashing does not use it; it
// goes through the cache's KeyCodec.
func keyString(k any) string {
	if s, ok := k.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(k)
}
