package dockache

import "sync"

// operation identifies which Cache method produced a metrics event.
type operation int

const (
	opCreate operation = iota
	opRead
	opUpdate
	opDelete
	opReplace
	opChangeStreamEvent
)

func (o operation) String() string {
	switch o {
	case opCreate:
		return "create"
	case opRead:
		return "read"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	case opReplace:
		return "replace"
	case opChangeStreamEvent:
		return "change_stream_event"
	default:
		return "unknown"
	}
}

// outcome classifies an operation's result for the fan-out counters.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFail
	outcomeNotFound
	outcomeRetryExceeded
	outcomeDuplicatePrimary
	outcomeDuplicateIndex
	outcomeRejected
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFail:
		return "fail"
	case outcomeNotFound:
		return "not_found"
	case outcomeRetryExceeded:
		return "retry_exceeded"
	case outcomeDuplicatePrimary:
		return "duplicate_primary"
	case outcomeDuplicateIndex:
		return "duplicate_index"
	case outcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func outcomeForCode(code ErrorCode) outcome {
	switch code {
	case DuplicatePrimaryKey:
		return outcomeDuplicatePrimary
	case DuplicateUniqueIndex:
		return outcomeDuplicateIndex
	case DocumentNotFound:
		return outcomeNotFound
	case RetriesExceeded:
		return outcomeRetryExceeded
	default:
		return outcomeFail
	}
}

func outcomeForResult[T any](r Result[T]) outcome {
	switch {
	case r.IsSuccess():
		return outcomeSuccess
	case r.IsEmpty():
		return outcomeNotFound
	case r.IsRejected():
		return outcomeRejected
	default:
		return outcomeForCode(CodeOf(r.ExceptionOrNil()))
	}
}

// MetricsEvent is delivered to every registered MetricsObserver.
type MetricsEvent struct {
	Cache     string
	Operation string
	Outcome   string
}

// MetricsObserver receives a non-blocking broadcast of every operation
// outcome. The fan-out calls each observer on a new goroutine per event, so
// a slow observer never stalls the caller; events are not dropped.
type MetricsObserver func(MetricsEvent)

// MetricsFanOut is a process-wide (or per-cache) non-blocking broadcaster
// that dispatches each event to registered listeners fire-and-forget, on
// its own goroutine per listener.
type MetricsFanOut struct {
	mu        sync.RWMutex
	observers []MetricsObserver
	cacheName string

	counters   map[string]int64
	countersMu sync.Mutex
}

// NewMetricsFanOut creates an empty fan-out. Use Named to bind a cache name
// that is stamped onto every emitted event.
func NewMetricsFanOut() *MetricsFanOut {
	return &MetricsFanOut{counters: make(map[string]int64)}
}

// Named returns a shallow copy of m stamped with cacheName, sharing the
// same observer list and counters, so a single fan-out can be handed to
// multiple caches while preserving distinguishable event.Cache fields.
func (m *MetricsFanOut) Named(cacheName string) *MetricsFanOut {
	return &MetricsFanOut{observers: m.observers, cacheName: cacheName, counters: m.counters}
}

// Subscribe registers an observer. Safe for concurrent use.
func (m *MetricsFanOut) Subscribe(obs MetricsObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *MetricsFanOut) record(op operation, oc outcome) {
	ev := MetricsEvent{Cache: m.cacheName, Operation: op.String(), Outcome: oc.String()}

	m.countersMu.Lock()
	m.counters[ev.Operation+"."+ev.Outcome]++
	m.countersMu.Unlock()

	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	for _, obs := range observers {
		go func(o MetricsObserver) {
			defer func() { recover() }()
			o(ev)
		}(obs)
	}
}

// Snapshot returns a point-in-time copy of every "operation.outcome" counter.
func (m *MetricsFanOut) Snapshot() map[string]int64 {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}
