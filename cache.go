package dockache

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// defaultDrainDeadline bounds Close's wait for in-flight operations when ctx
// carries no deadline of its own.
const defaultDrainDeadline = 60 * time.Second

// drainDeadlineFromContext derives DrainWithDeadline's timeout from ctx's
// own deadline when present, falling back to defaultDrainDeadline.
func drainDeadlineFromContext(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return 0
	}
	return defaultDrainDeadline
}

// LifecycleState enumerates a Cache's lifecycle.
type LifecycleState int32

const (
	StateInitializing LifecycleState = iota
	StateReady
	StateDraining
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Initializer builds the initial value of a new document at version 0.
// It receives only the key and returns a fresh value, which must carry
// that key and version 0.
type Initializer[K comparable, D Document[K, D]] func(key K) (D, error)

// RandomKeySource supplies identifiers for CreateRandom.
type RandomKeySource[K comparable] func() (K, error)

// UUIDRandomKeySource is the common RandomKeySource for string-keyed
// documents: a fresh random UUID, hex-encoded.
func UUIDRandomKeySource() RandomKeySource[string] {
	return func() (string, error) {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", err
		}
		// RFC 4122 version 4 variant bits, matching google/uuid's formatting.
		b[6] = (b[6] & 0x0f) | 0x40
		b[8] = (b[8] & 0x3f) | 0x80
		return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
	}
}

// Int64RandomKeySource returns a RandomKeySource drawing from a CSPRNG,
// for caches keyed by int64.
func Int64RandomKeySource() RandomKeySource[int64] {
	return func() (int64, error) {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		v := int64(binary.BigEndian.Uint64(b[:]))
		if v < 0 {
			v = -v
		}
		return v, nil
	}
}

// Cache is a per-collection document store. K is the primary key type, D
// the document type.
type Cache[K comparable, D Document[K, D]] struct {
	name               string
	namespacedDatabase string
	collection         string
	config             CacheConfig
	driver             StorageDriver[K, D]
	codec              KeyCodec[K]

	entries *shardedMap[K, D]
	indexes []erasedIndex[D]

	state   atomic.Int32
	metrics *MetricsFanOut
	trace   *TraceLogger
	rtt     *halfRTTTracker

	replicator *Replicator[K, D]

	validateUpdate func(before, after D) error

	drainOnce  sync.Once
	inFlight   sync.WaitGroup
	inFlightMu sync.RWMutex
	draining   bool
}

// CacheOptions configures NewCache.
type CacheOptions[K comparable, D Document[K, D]] struct {
	// Name is the cache's short name, used for logging and the store-side
	// collection name unless Collection is set explicitly.
	Name string
	// Collection overrides the store-side collection name; defaults to Name.
	Collection string
	// Database is the short (un-namespaced) database name claimed in the
	// registry.
	Database string
	// NamespacePrefix is prepended once to Database before registration.
	NamespacePrefix string
	Driver          StorageDriver[K, D]
	Codec           KeyCodec[K]
	Config          CacheConfig
	Indexes         []erasedIndex[D]
	ValidateUpdate  func(before, after D) error
	Metrics         *MetricsFanOut
	Trace           *TraceLogger
	ChangeStream    ChangeStreamConfig
	ResumeTokens    ResumeTokenStore
	// DisableChangeStream skips starting the change-stream replicator
	// entirely (e.g. for a Cassandra-backed driver that returns
	// ChangeStreamUnsupported).
	DisableChangeStream bool
	// Client identifies the owning client in the registry, e.g. a service
	// or tenant name. Distinct clients may register distinct databases
	// freely; the registry only rejects a second registration of the same
	// (lowercased) namespaced database name.
	Client string
}

// NewCache constructs a Cache: registers the namespaced database name,
// registers declared unique indexes with the store, performs the initial
// full load, then (unless disabled) starts the change-stream replicator
// before flipping to READY.
func NewCache[K comparable, D Document[K, D]](ctx context.Context, opts CacheOptions[K, D]) (*Cache[K, D], error) {
	if opts.Name == "" || opts.Database == "" || opts.Driver == nil || opts.Codec == nil || opts.Client == "" {
		return nil, NewError(InvalidInitializer, nil, opts.Name)
	}
	collection := opts.Collection
	if collection == "" {
		collection = opts.Name
	}
	fullDB := namespacedName(opts.NamespacePrefix, opts.Database)
	if err := globalRegistry.register(opts.Client, fullDB); err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetricsFanOut()
	}
	trace := opts.Trace
	if trace == nil {
		trace = NewNopTraceLogger()
	}

	c := &Cache[K, D]{
		name:               opts.Name,
		namespacedDatabase: fullDB,
		collection:         collection,
		config:             opts.Config,
		driver:             opts.Driver,
		codec:              opts.Codec,
		entries:            newShardedMap[K, D](opts.Codec.ToString),
		indexes:            opts.Indexes,
		metrics:            metrics,
		trace:              trace,
		rtt:                newHalfRTTTracker(),
		validateUpdate:     opts.ValidateUpdate,
	}
	c.state.Store(int32(StateInitializing))

	if len(c.indexes) > 0 {
		runner := NewTaskRunner(ctx, len(c.indexes))
		for _, idx := range c.indexes {
			fieldName := idx.fieldName
			runner.Go(func() error {
				return c.driver.RegisterUniqueIndex(runner.Context(), c.collection, fieldName)
			})
		}
		if err := runner.Wait(); err != nil {
			globalRegistry.release(fullDB)
			return nil, err
		}
	}

	startAt, err := c.driver.CurrentOperationTime(ctx)
	if err != nil {
		globalRegistry.release(fullDB)
		return nil, err
	}

	if err := c.driver.ReadAll(ctx, c.collection, func(d D) (bool, error) {
		d = bindDocument(d, c.name)
		c.entries.store(d.Key(), d)
		return true, nil
	}); err != nil {
		globalRegistry.release(fullDB)
		return nil, err
	}

	if !opts.DisableChangeStream {
		tokens := opts.ResumeTokens
		if tokens == nil {
			tokens = NewInMemoryResumeTokenStore()
		}
		csConfig := opts.ChangeStream
		if csConfig == (ChangeStreamConfig{}) {
			csConfig = ProductionChangeStreamConfig()
		}
		c.replicator = NewReplicator(c, tokens, csConfig, startAt)
		if err := c.replicator.Start(ctx); err != nil {
			globalRegistry.release(fullDB)
			return nil, err
		}
	}

	c.state.Store(int32(StateReady))
	return c, nil
}

func (c *Cache[K, D]) Name() string               { return c.name }
func (c *Cache[K, D]) NamespacedDatabase() string  { return c.namespacedDatabase }
func (c *Cache[K, D]) Collection() string          { return c.collection }
func (c *Cache[K, D]) State() LifecycleState       { return LifecycleState(c.state.Load()) }
func (c *Cache[K, D]) Metrics() *MetricsFanOut     { return c.metrics }

// beginOp tracks an in-flight operation against graceful drain: DRAINING
// rejects new work but awaits what's already running.
func (c *Cache[K, D]) beginOp() error {
	c.inFlightMu.RLock()
	defer c.inFlightMu.RUnlock()
	if c.draining {
		return NewError(Closed, nil, c.name)
	}
	c.inFlight.Add(1)
	return nil
}

func (c *Cache[K, D]) endOp() { c.inFlight.Done() }

// Create instantiates a document at version 0 via initializer, persists it,
// and places it in the cache.
func (c *Cache[K, D]) Create(ctx context.Context, key K, initializer Initializer[K, D]) Result[D] {
	if err := c.beginOp(); err != nil {
		return Failure[D](err)
	}
	defer c.endOp()

	d, err := initializer(key)
	if err != nil {
		c.metrics.record(opCreate, outcomeFail)
		return Failure[D](err)
	}
	if d.Key() != key {
		c.metrics.record(opCreate, outcomeFail)
		return Failure[D](NewError(InvalidInitializer, nil, key))
	}
	if d.Version() != 0 {
		c.metrics.record(opCreate, outcomeFail)
		return Failure[D](NewError(InvalidInitializer, nil, key))
	}

	if err := c.driver.Insert(ctx, c.collection, d); err != nil {
		code := classifyInsertError(err)
		c.metrics.record(opCreate, outcomeForCode(code))
		if code == DuplicateUniqueIndex {
			name, ok := indexNameFromClassifier(err)
			if !ok {
				name = IndexViolation(err)
			}
			return Failure[D](NewError(DuplicateUniqueIndex, err, name))
		}
		if code == DuplicatePrimaryKey {
			return Failure[D](NewError(DuplicatePrimaryKey, err, key))
		}
		return Failure[D](err)
	}

	d = bindDocument(d, c.name)
	c.entries.store(key, d)
	c.metrics.record(opCreate, outcomeSuccess)
	return Success(d)
}

// CreateIfAbsent atomically inserts a document at version 0 if key is
// absent from the store, or returns the existing document otherwise. Unlike
// Create, a pre-existing document is Success, not Failure(DuplicatePrimaryKey) -
// this is "get or create", not "create or fail".
func (c *Cache[K, D]) CreateIfAbsent(ctx context.Context, key K, initializer Initializer[K, D]) Result[D] {
	if err := c.beginOp(); err != nil {
		return Failure[D](err)
	}
	defer c.endOp()

	if existing, ok := c.entries.load(key); ok {
		c.metrics.record(opCreate, outcomeSuccess)
		return Success(existing)
	}

	d, err := initializer(key)
	if err != nil {
		c.metrics.record(opCreate, outcomeFail)
		return Failure[D](err)
	}
	if d.Key() != key || d.Version() != 0 {
		c.metrics.record(opCreate, outcomeFail)
		return Failure[D](NewError(InvalidInitializer, nil, key))
	}

	result, _, err := c.driver.InsertIfAbsent(ctx, c.collection, d)
	if err != nil {
		c.metrics.record(opCreate, outcomeFail)
		return Failure[D](err)
	}

	c.acceptFromStore(result)
	c.metrics.record(opCreate, outcomeSuccess)
	return Success(result)
}

// CreateRandom draws a key from source and retries Create on primary-key
// collision, which implies a defect in the identifier source rather than a
// legitimate retry target; it is retried a small fixed number of times
// purely to absorb the theoretical collision.
func (c *Cache[K, D]) CreateRandom(ctx context.Context, source RandomKeySource[K], initializer Initializer[K, D]) Result[D] {
	const maxCollisionRetries = 3
	var last Result[D]
	for i := 0; i < maxCollisionRetries; i++ {
		key, err := source()
		if err != nil {
			return Failure[D](err)
		}
		last = c.Create(ctx, key, initializer)
		if CodeOf(last.ExceptionOrNil()) != DuplicatePrimaryKey {
			return last
		}
	}
	return last
}

// Read looks up key in the in-memory cache only; never performs I/O.
func (c *Cache[K, D]) Read(key K) Result[D] {
	d, ok := c.entries.load(key)
	if !ok {
		c.metrics.record(opRead, outcomeNotFound)
		return Empty[D]()
	}
	c.metrics.record(opRead, outcomeSuccess)
	return Success(d)
}

// ReadFromStore bypasses the cache and reads directly from the driver.
func (c *Cache[K, D]) ReadFromStore(ctx context.Context, key K) Result[D] {
	d, ok, err := c.driver.Read(ctx, c.collection, key)
	if err != nil {
		c.metrics.record(opRead, outcomeFail)
		return Failure[D](err)
	}
	if !ok {
		c.metrics.record(opRead, outcomeNotFound)
		return Empty[D]()
	}
	c.metrics.record(opRead, outcomeSuccess)
	return Success(d)
}

// ReadByUniqueIndex delegates to the store, then defensively re-checks the
// returned document's extracted value against the requested value using
// the index's Equals.
func (c *Cache[K, D]) ReadByUniqueIndex(ctx context.Context, fieldName string, value any) Result[D] {
	var idx *erasedIndex[D]
	for i := range c.indexes {
		if c.indexes[i].fieldName == fieldName {
			idx = &c.indexes[i]
			break
		}
	}
	if idx == nil {
		return Failure[D](NewError(InvalidInitializer, nil, fieldName))
	}

	d, ok, err := c.driver.ReadByUniqueIndex(ctx, c.collection, fieldName, value)
	if err != nil {
		c.metrics.record(opRead, outcomeFail)
		return Failure[D](err)
	}
	if !ok {
		c.metrics.record(opRead, outcomeNotFound)
		return Empty[D]()
	}

	extracted := idx.extract(d)
	if !extracted.ok || !extracted.equals(extracted.value, extractedValueOf(value)) {
		c.trace.Warnf("readByUniqueIndex: store returned a document whose %s does not match the requested value; treating as empty", fieldName)
		c.metrics.record(opRead, outcomeNotFound)
		return Empty[D]()
	}

	c.metrics.record(opRead, outcomeSuccess)
	return Success(d)
}

func extractedValueOf(v any) any { return v }

// Update runs the optimistic-versioned CAS retry loop and folds the
// committed document back into the cache on success. A RejectUpdate
// returned by fn is reported as Failure, never as Rejected.
func (c *Cache[K, D]) Update(ctx context.Context, key K, fn func(d D) (D, error)) Result[D] {
	if err := c.beginOp(); err != nil {
		return Failure[D](err)
	}
	defer c.endOp()

	res := c.runUpdateLoop(ctx, key, fn)
	if res.IsRejected() {
		res = Failure[D](res.ExceptionOrNil())
	}
	c.metrics.record(opUpdate, outcomeForResult(res))
	return res
}

// UpdateRejectable is Update, except a RejectUpdate thrown inside fn
// surfaces as Rejected with no store I/O effect.
func (c *Cache[K, D]) UpdateRejectable(ctx context.Context, key K, fn func(d D) (D, error)) Result[D] {
	if err := c.beginOp(); err != nil {
		return Failure[D](err)
	}
	defer c.endOp()

	res := c.runUpdateLoop(ctx, key, fn)
	c.metrics.record(opUpdate, outcomeForResult(res))
	return res
}

func (c *Cache[K, D]) runUpdateLoop(ctx context.Context, key K, fn func(d D) (D, error)) Result[D] {
	return updateLoop[K, D](
		ctx,
		key,
		fn,
		c.entries.load,
		func(ctx context.Context, expectedKey K, expectedVersion int64, next D) (ReplaceResult, error) {
			return c.driver.ReplaceIfVersionMatches(ctx, c.collection, expectedKey, expectedVersion, next)
		},
		func(ctx context.Context, key K) (D, bool, error) {
			return c.driver.Read(ctx, c.collection, key)
		},
		func(d D) { c.acceptFromStore(d) },
		c.validateUpdate,
		c.rtt,
		defaultRetryBudget,
	)
}

// Delete removes key from the cache, then the store. It reports whether the
// key was present in the cache; absence is a signal, not an error.
func (c *Cache[K, D]) Delete(ctx context.Context, key K) Result[bool] {
	if err := c.beginOp(); err != nil {
		return Failure[bool](err)
	}
	defer c.endOp()

	existedLocally := c.entries.delete(key)
	_, err := c.driver.Delete(ctx, c.collection, key)
	if err != nil {
		c.metrics.record(opDelete, outcomeFail)
		return Failure[bool](err)
	}
	c.metrics.record(opDelete, outcomeSuccess)
	return Success(existedLocally)
}

// GetStatus derives a Status for (key, version) against the cache's
// current contents.
func (c *Cache[K, D]) GetStatus(key K, version int64) Status {
	d, ok := c.entries.load(key)
	if !ok {
		return StatusDeleted
	}
	if d.Version() == version {
		return StatusFresh
	}
	return StatusStale
}

// StatusOf derives the full data-model Status for document instance d,
// including DETACHED: a host type that embeds Binding and was never
// materialized through c (or was explicitly Detach()'d) reports DETACHED
// without consulting the cache at all. Otherwise status is c.GetStatus's
// usual FRESH/STALE/DELETED against d's (key, version).
func StatusOf[K comparable, D Document[K, D]](c *Cache[K, D], d D) Status {
	if bound, ok := any(d).(Bound); ok && bound.Bound().IsDetached() {
		return StatusDetached
	}
	return c.GetStatus(d.Key(), d.Version())
}

func (c *Cache[K, D]) Keys() []K    { return c.entries.keys() }
func (c *Cache[K, D]) Size() int    { return c.entries.count() }
func (c *Cache[K, D]) Contains(key K) bool {
	_, ok := c.entries.load(key)
	return ok
}

// ClearAll removes every document from both the cache and the store. It is
// only permitted when config.EnableMassDestructiveOps is true.
func (c *Cache[K, D]) ClearAll(ctx context.Context) (int64, error) {
	if !c.config.EnableMassDestructiveOps {
		return 0, NewError(InvalidInitializer, nil, "ClearAll disabled: EnableMassDestructiveOps is false")
	}
	n, err := c.driver.Clear(ctx, c.collection)
	if err != nil {
		return 0, err
	}
	c.entries.clear()
	return n, nil
}

// acceptFromStore folds d into the cache. With OptimisticCaching on it never
// lets a document regress to an older version; with it off, d overwrites
// whatever the cache holds. It performs no store I/O; the update loop and
// the change-stream replicator have already done the I/O.
func (c *Cache[K, D]) acceptFromStore(d D) {
	d = bindDocument(d, c.name)
	if !c.config.OptimisticCaching {
		c.entries.store(d.Key(), d)
		return
	}
	c.entries.withLock(d.Key(), func(current D, ok bool) (D, bool) {
		if !ok {
			return d, true
		}
		if current.Version() < d.Version() {
			return d, true
		}
		return current, false
	})
}

// evictLocal removes key's cache entry unconditionally, used by the
// change-stream replicator on a delete event.
func (c *Cache[K, D]) evictLocal(key K) { c.entries.delete(key) }

// Close begins graceful shutdown: stops accepting new operations, awaits
// in-flight ones (bounded by ctx), stops the replicator, and releases the
// registry claim.
func (c *Cache[K, D]) Close(ctx context.Context) error {
	c.state.Store(int32(StateDraining))
	c.drainOnce.Do(func() {
		c.inFlightMu.Lock()
		c.draining = true
		c.inFlightMu.Unlock()

		deadline := drainDeadlineFromContext(ctx)
		DrainWithDeadline(ctx, deadline, c.trace, c.namespacedDatabase, c.inFlight.Wait)

		if c.replicator != nil {
			c.replicator.Stop(ctx)
		}
		globalRegistry.release(c.namespacedDatabase)
		c.state.Store(int32(StateStopped))
	})
	return nil
}
