package dockache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dockache/dockache/internal/memstore"
)

func TestReplicatorState_String(t *testing.T) {
	cases := map[ReplicatorState]string{
		ReplicatorIdle:       "IDLE",
		ReplicatorStarting:   "STARTING",
		ReplicatorRunning:    "RUNNING",
		ReplicatorBackingOff: "BACKING_OFF",
		ReplicatorStopping:   "STOPPING",
		ReplicatorFailed:     "FAILED",
		ReplicatorShutdown:   "SHUTDOWN",
		ReplicatorState(99):  "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("ReplicatorState(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestReplicator_ClassifyFatal(t *testing.T) {
	var r Replicator[string, widget]
	if r.classifyFatal(nil) {
		t.Error("nil error should not be fatal")
	}
	if !r.classifyFatal(context.Canceled) {
		t.Error("context.Canceled should be fatal")
	}
	if !r.classifyFatal(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded should be fatal")
	}
	if !r.classifyFatal(NewError(ChangeStreamFatal, nil, nil)) {
		t.Error("ChangeStreamFatal should be fatal")
	}
	if !r.classifyFatal(NewError(ChangeStreamUnsupported, nil, nil)) {
		t.Error("ChangeStreamUnsupported should be fatal")
	}
	if r.classifyFatal(NewError(DocumentNotFound, nil, nil)) {
		t.Error("DocumentNotFound should not be fatal")
	}
	if r.classifyFatal(errors.New("transient network hiccup")) {
		t.Error("an unclassified plain error should not be fatal")
	}
}

func TestIsResumeTokenInvalid(t *testing.T) {
	if isResumeTokenInvalid(nil) {
		t.Error("nil should not be resume-token-invalid")
	}
	marked := NewError(ChangeStreamFatal, nil, nil)
	marked.UserData = resumeTokenInvalidMarker(true)
	if !isResumeTokenInvalid(marked) {
		t.Error("an error marked resumeTokenInvalidMarker(true) should report invalid")
	}
	unmarked := NewError(ChangeStreamFatal, nil, nil)
	unmarked.UserData = resumeTokenInvalidMarker(false)
	if isResumeTokenInvalid(unmarked) {
		t.Error("an error marked resumeTokenInvalidMarker(false) should not report invalid")
	}
	if isResumeTokenInvalid(errors.New("plain")) {
		t.Error("a plain error carries no marker")
	}
}

func TestReplicator_AdvanceTokenPromotesDurableToken(t *testing.T) {
	tokens := NewInMemoryResumeTokenStore()
	r := &Replicator[string, widget]{
		streamID: "stream-1",
		tokens:   tokens,
		trace:    NewNopTraceLogger(),
	}
	for i := 0; i < tokenPromotionInterval-1; i++ {
		r.advanceToken(ResumeToken("tok"))
	}
	if _, ok, _ := tokens.Load(context.Background(), "stream-1"); ok {
		t.Fatal("token should not be durable before tokenPromotionInterval events")
	}
	r.advanceToken(ResumeToken("tok"))
	if _, ok, _ := tokens.Load(context.Background(), "stream-1"); !ok {
		t.Error("token should be promoted to durable after tokenPromotionInterval events")
	}
}

type slowSink struct {
	delay time.Duration
}

func (s slowSink) acceptFromStore(d widget) { time.Sleep(s.delay) }
func (s slowSink) evictLocal(k string)      { time.Sleep(s.delay) }

func TestReplicator_HandleEventWithTimeout_Expires(t *testing.T) {
	r := &Replicator[string, widget]{
		sink:    slowSink{delay: 50 * time.Millisecond},
		metrics: NewMetricsFanOut(),
		tokens:  NewInMemoryResumeTokenStore(),
		config:  ChangeStreamConfig{EventProcessingTimeout: 5 * time.Millisecond},
	}
	ev := ChangeEvent[string]{Type: EventInsert, HasDocument: true, FullDocument: widget{ID: "a"}}
	err := r.handleEventWithTimeout(context.Background(), ev)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("handleEventWithTimeout() = %v, want context.DeadlineExceeded", err)
	}
	if !r.classifyFatal(err) {
		t.Error("a timed-out event handler invocation should classify as fatal")
	}
}

func TestReplicator_HandleEventWithTimeout_CompletesInTime(t *testing.T) {
	r := &Replicator[string, widget]{
		sink:    slowSink{delay: time.Millisecond},
		metrics: NewMetricsFanOut(),
		tokens:  NewInMemoryResumeTokenStore(),
		config:  ChangeStreamConfig{EventProcessingTimeout: time.Second},
	}
	ev := ChangeEvent[string]{Type: EventInsert, HasDocument: true, FullDocument: widget{ID: "a"}}
	if err := r.handleEventWithTimeout(context.Background(), ev); err != nil {
		t.Fatalf("handleEventWithTimeout() = %v, want nil", err)
	}
}

func TestReplicator_HandleEventWithTimeout_ZeroMeansNoTimeout(t *testing.T) {
	r := &Replicator[string, widget]{
		sink:    slowSink{delay: 2 * time.Millisecond},
		metrics: NewMetricsFanOut(),
		tokens:  NewInMemoryResumeTokenStore(),
		config:  ChangeStreamConfig{}, // EventProcessingTimeout unset
	}
	ev := ChangeEvent[string]{Type: EventInsert, HasDocument: true, FullDocument: widget{ID: "a"}}
	if err := r.handleEventWithTimeout(context.Background(), ev); err != nil {
		t.Fatalf("handleEventWithTimeout() = %v, want nil", err)
	}
}

func waitForReplicatorRunning[K comparable, D Document[K, D]](t *testing.T, r *Replicator[K, D]) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.State() != ReplicatorRunning {
		if time.Now().After(deadline) {
			t.Fatalf("replicator did not reach RUNNING in time, stuck at %v", r.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReplicator_EndToEnd_ReplicatesExternalWrite(t *testing.T) {
	store := memstore.New[string, widget](StringKeyCodec{})
	c, err := NewCache(context.Background(), CacheOptions[string, widget]{
		Name:     "replicated",
		Database: "replicateddb",
		Client:   "test-client",
		Driver:   store,
		Codec:    StringKeyCodec{},
		Config:   DefaultCacheConfig(),
		ChangeStream: ChangeStreamConfig{
			InitialRetryDelay: time.Millisecond, MaxRetryDelay: 10 * time.Millisecond,
			EventProcessingTimeout: time.Second, MaxBufferedEvents: 16,
		},
	})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close(context.Background())

	waitForReplicatorRunning(t, c.replicator)

	// An external writer inserts directly through the store, bypassing the
	// cache's own Create path, simulating another process/node.
	if err := store.Insert(context.Background(), "replicated", widget{ID: "ext", Owner: "outside"}); err != nil {
		t.Fatalf("external insert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if c.Contains("ext") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replicator did not apply the externally inserted document in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := c.Read("ext").GetOrThrow()
	if got.Owner != "outside" {
		t.Errorf("replicated document = %+v", got)
	}

	// A subsequent delete through the store should evict the local entry too.
	store.Delete(context.Background(), "replicated", "ext")
	deadline = time.Now().Add(2 * time.Second)
	for {
		if !c.Contains("ext") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replicator did not apply the externally deleted document in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
