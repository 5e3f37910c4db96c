// Package memstore is a deterministic, in-process fake implementing
// dockache.StorageDriver, used by the root package's tests in place of a
// live mongostore/cassandrastore connection. It supports induced-error
// hooks on Insert and Replace so tests can exercise update.go's
// retry/backoff paths without a real flaky network; its change streams
// have no error hooks.
package memstore

import (
	"context"
	"sync"

	"github.com/dockache/dockache"
)

type record[D any] struct {
	doc     D
	version int64
}

// Store is a single in-memory collection set, safe for concurrent use.
type Store[K comparable, D dockache.Document[K, D]] struct {
	codec dockache.KeyCodec[K]

	mu          sync.Mutex
	collections map[string]map[string]record[D]
	indexes     map[string]map[string]string // collection -> fieldName -> fieldName (marker set)
	indexValues map[string]map[string]string // collection -> "field\x00value" -> key

	streamsMu sync.Mutex
	streams   map[string][]*stream[K]

	// InsertHook, if set, is called before every Insert; returning a non-nil
	// error fails the insert with that error instead of performing it.
	InsertHook func(collection string, doc D) error
	// ReplaceHook, if set, is called before every ReplaceIfVersionMatches;
	// returning a non-nil error fails the replace with that error.
	ReplaceHook func(collection string, key K, expectedVersion int64) error
}

// New constructs an empty Store.
func New[K comparable, D dockache.Document[K, D]](codec dockache.KeyCodec[K]) *Store[K, D] {
	return &Store[K, D]{
		codec:       codec,
		collections: make(map[string]map[string]record[D]),
		indexes:     make(map[string]map[string]string),
		indexValues: make(map[string]map[string]string),
		streams:     make(map[string][]*stream[K]),
	}
}

func (s *Store[K, D]) coll(collection string) map[string]record[D] {
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]record[D])
		s.collections[collection] = c
	}
	return c
}

func (s *Store[K, D]) Insert(ctx context.Context, collection string, doc D) error {
	if s.InsertHook != nil {
		if err := s.InsertHook(collection, doc); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.codec.ToString(doc.Key())
	c := s.coll(collection)
	if _, exists := c[key]; exists {
		return dockache.NewError(dockache.DuplicatePrimaryKey, nil, doc.Key())
	}
	if name, ok := s.violatedIndex(collection, doc); ok {
		return dockache.NewError(dockache.DuplicateUniqueIndex, nil, name)
	}

	c[key] = record[D]{doc: doc, version: doc.Version()}
	s.indexRecord(collection, doc)
	s.publishLocked(collection, dockache.ChangeEvent[K]{Type: dockache.EventInsert, Key: doc.Key(), HasKey: true, FullDocument: doc, HasDocument: true})
	return nil
}

func (s *Store[K, D]) InsertIfAbsent(ctx context.Context, collection string, doc D) (D, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.codec.ToString(doc.Key())
	c := s.coll(collection)
	if existing, ok := c[key]; ok {
		return existing.doc, false, nil
	}
	c[key] = record[D]{doc: doc, version: doc.Version()}
	s.indexRecord(collection, doc)
	s.publishLocked(collection, dockache.ChangeEvent[K]{Type: dockache.EventInsert, Key: doc.Key(), HasKey: true, FullDocument: doc, HasDocument: true})
	return doc, true, nil
}

func (s *Store[K, D]) Read(ctx context.Context, collection string, key K) (D, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.coll(collection)[s.codec.ToString(key)]
	return r.doc, ok, nil
}

func (s *Store[K, D]) Delete(ctx context.Context, collection string, key K) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	k := s.codec.ToString(key)
	r, ok := c[k]
	if !ok {
		return false, nil
	}
	delete(c, k)
	s.unindexRecord(collection, r.doc)
	s.publishLocked(collection, dockache.ChangeEvent[K]{Type: dockache.EventDelete, Key: key, HasKey: true})
	return true, nil
}

func (s *Store[K, D]) ReadAll(ctx context.Context, collection string, yield func(D) (bool, error)) error {
	s.mu.Lock()
	docs := make([]D, 0, len(s.coll(collection)))
	for _, r := range s.coll(collection) {
		docs = append(docs, r.doc)
	}
	s.mu.Unlock()

	for _, d := range docs {
		cont, err := yield(d)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (s *Store[K, D]) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.coll(collection))), nil
}

func (s *Store[K, D]) HasKey(ctx context.Context, collection string, key K) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.coll(collection)[s.codec.ToString(key)]
	return ok, nil
}

func (s *Store[K, D]) Clear(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	n := int64(len(c))
	s.collections[collection] = make(map[string]record[D])
	s.indexValues[collection] = make(map[string]string)
	return n, nil
}

func (s *Store[K, D]) ReadKeys(ctx context.Context, collection string, yield func(K) (bool, error)) error {
	s.mu.Lock()
	keys := make([]K, 0, len(s.coll(collection)))
	for _, r := range s.coll(collection) {
		keys = append(keys, r.doc.Key())
	}
	s.mu.Unlock()

	for _, k := range keys {
		cont, err := yield(k)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (s *Store[K, D]) ReplaceIfVersionMatches(ctx context.Context, collection string, expectedKey K, expectedVersion int64, newDoc D) (dockache.ReplaceResult, error) {
	if s.ReplaceHook != nil {
		if err := s.ReplaceHook(collection, expectedKey, expectedVersion); err != nil {
			return dockache.ReplaceResult{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	k := s.codec.ToString(expectedKey)
	r, ok := c[k]
	if !ok || r.version != expectedVersion {
		return dockache.ReplaceResult{Matched: false}, nil
	}
	if name, ok := s.violatedIndexExcluding(collection, newDoc, expectedKey); ok {
		return dockache.ReplaceResult{}, dockache.NewError(dockache.DuplicateUniqueIndex, nil, name)
	}

	s.unindexRecord(collection, r.doc)
	c[k] = record[D]{doc: newDoc, version: newDoc.Version()}
	s.indexRecord(collection, newDoc)
	s.publishLocked(collection, dockache.ChangeEvent[K]{Type: dockache.EventUpdate, Key: expectedKey, HasKey: true, FullDocument: newDoc, HasDocument: true})
	return dockache.ReplaceResult{Matched: true, Modified: true}, nil
}

func (s *Store[K, D]) RegisterUniqueIndex(ctx context.Context, collection, fieldName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexes[collection] == nil {
		s.indexes[collection] = make(map[string]string)
	}
	s.indexes[collection][fieldName] = fieldName
	return nil
}

func (s *Store[K, D]) ReadByUniqueIndex(ctx context.Context, collection, fieldName string, value any) (D, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero D
	k, ok := s.indexValues[collection][indexValueKey(fieldName, value)]
	if !ok {
		return zero, false, nil
	}
	r, ok := s.coll(collection)[k]
	return r.doc, ok, nil
}

func (s *Store[K, D]) CurrentOperationTime(ctx context.Context) (dockache.OperationTime, error) {
	return dockache.OperationTime("memstore-epoch"), nil
}

// OpenChangeStream returns a stream fed by every subsequent mutating call;
// resumeFrom/startAt are accepted but ignored, since memstore keeps no
// durable event log - tests that need resume semantics should assert on
// dockache's ResumeTokenStore directly rather than on replay from this fake.
func (s *Store[K, D]) OpenChangeStream(ctx context.Context, collection string, resumeFrom dockache.ResumeToken, startAt dockache.OperationTime) (dockache.StreamHandle[K], error) {
	st := &stream[K]{events: make(chan dockache.ChangeEvent[K], 256), closed: make(chan struct{})}
	s.streamsMu.Lock()
	s.streams[collection] = append(s.streams[collection], st)
	s.streamsMu.Unlock()
	return st, nil
}

func (s *Store[K, D]) publishLocked(collection string, ev dockache.ChangeEvent[K]) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for _, st := range s.streams[collection] {
		st.offer(ev)
	}
}

func indexValueKey(fieldName string, value any) string {
	return fieldName + "\x00" + toString(value)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// violatedIndex is a placeholder hook point: memstore does not introspect D
// for declared index field values (it has no reflection-based field
// extractor), so tests that need unique-index collisions should drive them
// through InsertHook/ReplaceHook instead. indexRecord/unindexRecord/
// violatedIndex are no-ops; only IndexDocument populates the mapping that
// ReadByUniqueIndex queries.
func (s *Store[K, D]) violatedIndex(collection string, doc D) (string, bool) { return "", false }
func (s *Store[K, D]) violatedIndexExcluding(collection string, doc D, excludeKey K) (string, bool) {
	return "", false
}
func (s *Store[K, D]) indexRecord(collection string, doc D)   {}
func (s *Store[K, D]) unindexRecord(collection string, doc D) {}

// IndexDocument lets a test register an explicit fieldName=value -> key
// mapping for ReadByUniqueIndex, since memstore has no reflection-based
// field extractor of its own.
func (s *Store[K, D]) IndexDocument(collection, fieldName string, value any, key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexValues[collection] == nil {
		s.indexValues[collection] = make(map[string]string)
	}
	s.indexValues[collection][indexValueKey(fieldName, value)] = s.codec.ToString(key)
}

type stream[K comparable] struct {
	mu     sync.Mutex
	events chan dockache.ChangeEvent[K]
	closed chan struct{}
	done   bool
}

func (st *stream[K]) offer(ev dockache.ChangeEvent[K]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	select {
	case st.events <- ev:
	default:
		// drop rather than block the writer; tests needing guaranteed
		// delivery should size their workload under 256 events per stream.
	}
}

func (st *stream[K]) Next(ctx context.Context) (dockache.ChangeEvent[K], bool, error) {
	select {
	case ev, ok := <-st.events:
		if !ok {
			return dockache.ChangeEvent[K]{}, false, nil
		}
		return ev, true, nil
	case <-st.closed:
		return dockache.ChangeEvent[K]{}, false, nil
	case <-ctx.Done():
		return dockache.ChangeEvent[K]{}, false, ctx.Err()
	}
}

func (st *stream[K]) Close(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.done {
		st.done = true
		close(st.closed)
	}
	return nil
}
