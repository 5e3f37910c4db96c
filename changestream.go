package dockache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ReplicatorState enumerates the Replicator's state machine states.
type ReplicatorState int32

const (
	ReplicatorIdle ReplicatorState = iota
	ReplicatorStarting
	ReplicatorRunning
	ReplicatorBackingOff
	ReplicatorStopping
	ReplicatorFailed
	ReplicatorShutdown
)

func (s ReplicatorState) String() string {
	switch s {
	case ReplicatorIdle:
		return "IDLE"
	case ReplicatorStarting:
		return "STARTING"
	case ReplicatorRunning:
		return "RUNNING"
	case ReplicatorBackingOff:
		return "BACKING_OFF"
	case ReplicatorStopping:
		return "STOPPING"
	case ReplicatorFailed:
		return "FAILED"
	case ReplicatorShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// cacheSink is the subset of Cache a Replicator needs, so it can be tested
// against a fake without constructing a full Cache[K, D].
type cacheSink[K comparable, D Document[K, D]] interface {
	acceptFromStore(d D)
	evictLocal(k K)
}

// Replicator is a bounded-queue single-consumer change-stream reconciler
// with a resume-token manager, error classifier, and degraded fallback,
// built as a stateful reconnect loop around a goroutine-per-stage pipeline.
type Replicator[K comparable, D Document[K, D]] struct {
	streamID   string
	collection string
	driver     StorageDriver[K, D]
	sink     cacheSink[K, D]
	tokens   ResumeTokenStore
	config   ChangeStreamConfig
	trace    *TraceLogger
	metrics  *MetricsFanOut

	initialOpTime OperationTime

	state atomic.Int32

	queue chan ChangeEvent[K]

	inFlightToken atomic.Pointer[ResumeToken]
	eventsSinceDurable atomic.Int32

	consecutiveFailures int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lostEvents atomic.Int64
}

// NewReplicator constructs a Replicator for c, bound to c's driver/sink. It
// does not start the stream; call Start.
func NewReplicator[K comparable, D Document[K, D]](c *Cache[K, D], tokens ResumeTokenStore, config ChangeStreamConfig, initialOpTime OperationTime) *Replicator[K, D] {
	r := &Replicator[K, D]{
		streamID:      c.namespacedDatabase + "." + c.collection,
		collection:    c.collection,
		driver:        c.driver,
		sink:          c,
		tokens:        tokens,
		config:        config,
		trace:         c.trace,
		metrics:       c.metrics,
		initialOpTime: initialOpTime,
		queue:         make(chan ChangeEvent[K], maxInt(config.MaxBufferedEvents, 1)),
	}
	r.state.Store(int32(ReplicatorIdle))
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (r *Replicator[K, D]) State() ReplicatorState { return ReplicatorState(r.state.Load()) }

// Start transitions IDLE -> STARTING and launches the background run loop.
func (r *Replicator[K, D]) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state.Store(int32(ReplicatorStarting))

	r.wg.Add(1)
	go r.run(runCtx)
	return nil
}

// Stop transitions to STOPPING, closes the stream, and awaits the consumer
// goroutine's exit (bounded by ctx).
func (r *Replicator[K, D]) Stop(ctx context.Context) {
	r.state.Store(int32(ReplicatorStopping))
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	r.state.Store(int32(ReplicatorShutdown))
}

// run is the top-level state machine loop: STARTING <-> RUNNING <->
// BACKING_OFF until stop or FAILED.
func (r *Replicator[K, D]) run(ctx context.Context) {
	defer r.wg.Done()

	var resumeFrom ResumeToken
	if tok, ok, err := r.tokens.Load(ctx, r.streamID); err == nil && ok {
		resumeFrom = tok
	}

	for {
		if ctx.Err() != nil {
			return
		}

		r.state.Store(int32(ReplicatorStarting))
		handle, err := r.driver.OpenChangeStream(ctx, r.collection, resumeFrom, r.initialOpTime)
		if err != nil {
			if isResumeTokenInvalid(err) {
				r.trace.Warnf("replicator %s: resume token rejected, falling back to captured operation time", r.streamID)
				resumeFrom = nil
				handle, err = r.driver.OpenChangeStream(ctx, r.collection, nil, r.initialOpTime)
			}
		}
		if err != nil {
			if r.classifyFatal(err) {
				r.trace.Trace("replicator fatal error opening change stream", err.Error())
				r.state.Store(int32(ReplicatorFailed))
				return
			}
			if !r.backOff(ctx) {
				return
			}
			continue
		}

		r.state.Store(int32(ReplicatorRunning))
		r.consecutiveFailures = 0
		terminal, fatalErr := r.consume(ctx, handle)
		handle.Close(ctx)

		if ctx.Err() != nil {
			return
		}
		if fatalErr != nil {
			r.trace.Trace("replicator fatal error", fatalErr.Error())
			r.state.Store(int32(ReplicatorFailed))
			return
		}
		if terminal {
			// DROP/RENAME/DROP_DATABASE/INVALIDATE: restart from scratch.
			resumeFrom = nil
		} else if tok := r.inFlightToken.Load(); tok != nil {
			resumeFrom = *tok
		}

		if !r.backOff(ctx) {
			return
		}
	}
}

// backOff waits the reconnect delay and reports whether the caller should
// keep retrying (false means maxRetries exceeded or shutdown requested).
func (r *Replicator[K, D]) backOff(ctx context.Context) bool {
	r.state.Store(int32(ReplicatorBackingOff))
	r.consecutiveFailures++
	if r.config.MaxRetries > 0 && r.consecutiveFailures > r.config.MaxRetries {
		r.state.Store(int32(ReplicatorFailed))
		return false
	}
	delay := reconnectBackoff(r.consecutiveFailures, r.config.InitialRetryDelay, r.config.MaxRetryDelay)
	sleep(ctx, delay)
	return ctx.Err() == nil
}

// consume runs the single-consumer pipeline for one open stream handle:
// read events, offer to the bounded queue (with degraded fallback), and
// drain the queue through the event handler under a per-event timeout.
// Returns (terminalEvent, fatalErr); a non-nil fatalErr takes precedence.
func (r *Replicator[K, D]) consume(ctx context.Context, handle StreamHandle[K]) (terminal bool, fatalErr error) {
	consumeCtx, cancelConsume := context.WithCancel(ctx)
	defer cancelConsume()

	handlerErr := make(chan error, 1)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			select {
			case ev, ok := <-r.queue:
				if !ok {
					return
				}
				if err := r.handleEventWithTimeout(consumeCtx, ev); err != nil {
					handlerErr <- err
					cancelConsume()
					return
				}
			case <-consumeCtx.Done():
				return
			}
		}
	}()
	defer func() {
		<-consumerDone
	}()

	for {
		ev, ok, err := handle.Next(consumeCtx)
		if err != nil {
			select {
			case herr := <-handlerErr:
				return false, herr
			default:
			}
			if r.classifyFatal(err) {
				return false, err
			}
			r.trace.Warnf("replicator %s: recoverable stream error: %v", r.streamID, err)
			continue
		}
		if !ok {
			select {
			case herr := <-handlerErr:
				return false, herr
			default:
			}
			return false, nil
		}

		switch ev.Type {
		case EventDrop, EventRename, EventDropDatabase, EventInvalidate:
			return true, nil
		case EventUnknown:
			r.trace.Warnf("replicator %s: ignoring UNKNOWN event", r.streamID)
			continue
		}

		if !r.offer(ctx, ev) {
			return false, nil
		}
	}
}

// offer performs a non-blocking-with-retry queue send, falling back to
// degraded direct application if the queue stays full.
func (r *Replicator[K, D]) offer(ctx context.Context, ev ChangeEvent[K]) bool {
	const maxOfferRetries = 3
	const offerRetryDelay = 50 * time.Millisecond

	for attempt := 0; attempt < maxOfferRetries; attempt++ {
		select {
		case r.queue <- ev:
			return true
		default:
		}
		sleep(ctx, offerRetryDelay)
		if ctx.Err() != nil {
			return false
		}
	}

	r.degradedApply(ev)
	return true
}

// degradedApply applies an event directly on the producer side when the
// queue stays full.
func (r *Replicator[K, D]) degradedApply(ev ChangeEvent[K]) {
	switch ev.Type {
	case EventInsert, EventUpdate, EventReplace:
		if ev.HasDocument {
			if d, ok := ev.FullDocument.(D); ok {
				r.sink.acceptFromStore(d)
				r.advanceToken(ev.ResumeToken)
				return
			}
		}
		r.lostEvents.Add(1)
		r.trace.Warnf("replicator %s: dropped %s event with no recoverable payload under backpressure", r.streamID, ev.Type)
	case EventDelete:
		if ev.HasKey {
			r.sink.evictLocal(ev.Key)
			r.advanceToken(ev.ResumeToken)
			return
		}
		r.lostEvents.Add(1)
		r.trace.Warnf("replicator %s: dropped DELETE event with no key under backpressure", r.streamID)
	default:
		r.lostEvents.Add(1)
	}
}

// handleEventWithTimeout runs handleEvent under ctx, bounded by
// config.EventProcessingTimeout when positive. A timed-out or canceled
// invocation reports ctx.Err(); the caller classifies and acts on it like
// any other fatal replicator error.
func (r *Replicator[K, D]) handleEventWithTimeout(ctx context.Context, ev ChangeEvent[K]) error {
	if r.config.EventProcessingTimeout <= 0 {
		r.handleEvent(ev)
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, r.config.EventProcessingTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.handleEvent(ev)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-hctx.Done():
		return hctx.Err()
	}
}

// handleEvent is the per-event handler run by the single consumer goroutine.
func (r *Replicator[K, D]) handleEvent(ev ChangeEvent[K]) {
	switch ev.Type {
	case EventInsert, EventUpdate, EventReplace:
		if ev.HasDocument {
			if d, ok := ev.FullDocument.(D); ok {
				r.sink.acceptFromStore(d)
			}
		}
	case EventDelete:
		if ev.HasKey {
			r.sink.evictLocal(ev.Key)
		}
	}
	r.metrics.record(opChangeStreamEvent, outcomeSuccess)
	r.advanceToken(ev.ResumeToken)
}

// advanceToken implements the resume-token manager: the in-flight token
// advances on every applied event; every tokenPromotionInterval events it
// is promoted to durable.
const tokenPromotionInterval = 200

func (r *Replicator[K, D]) advanceToken(tok ResumeToken) {
	if tok == nil {
		return
	}
	cp := make(ResumeToken, len(tok))
	copy(cp, tok)
	r.inFlightToken.Store(&cp)

	if r.eventsSinceDurable.Add(1) >= tokenPromotionInterval {
		r.eventsSinceDurable.Store(0)
		if err := r.tokens.Save(context.Background(), r.streamID, cp); err != nil {
			r.trace.Warnf("replicator %s: failed to persist durable resume token: %v", r.streamID, err)
		}
	}
}

// LostEventCount reports how many change-stream events were dropped under
// sustained backpressure with no recoverable payload.
func (r *Replicator[K, D]) LostEventCount() int64 { return r.lostEvents.Load() }

// classifyFatal distinguishes fatal-to-processor errors (closed channel,
// shutdown, terminal driver errors) from recoverable ones.
func (r *Replicator[K, D]) classifyFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ChangeStreamFatal || e.Code == ChangeStreamUnsupported
	}
	return false
}

// isResumeTokenInvalid reports whether err signals that the store can no
// longer resume from the requested token ("resume point no longer
// available"), triggering the operation-time fallback.
func isResumeTokenInvalid(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if marker, ok := e.UserData.(resumeTokenInvalidMarker); ok {
			return bool(marker)
		}
	}
	return false
}

// resumeTokenInvalidMarker is attached as UserData on driver errors that
// specifically mean the resume token is no longer valid on the server.
type resumeTokenInvalidMarker bool
