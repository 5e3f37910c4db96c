package dockache

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsFanOut_RecordAndSnapshot(t *testing.T) {
	m := NewMetricsFanOut()
	m.record(opCreate, outcomeSuccess)
	m.record(opCreate, outcomeSuccess)
	m.record(opRead, outcomeNotFound)

	snap := m.Snapshot()
	if snap["create.success"] != 2 {
		t.Errorf("create.success = %d, want 2", snap["create.success"])
	}
	if snap["read.not_found"] != 1 {
		t.Errorf("read.not_found = %d, want 1", snap["read.not_found"])
	}
}

func TestMetricsFanOut_Named_StampsCacheName(t *testing.T) {
	m := NewMetricsFanOut()
	var mu sync.Mutex
	var seen []MetricsEvent
	m.Subscribe(func(ev MetricsEvent) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	widgets := m.Named("widgets")
	widgets.record(opUpdate, outcomeSuccess)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("observer received %d events, want 1", len(seen))
	}
	if seen[0].Cache != "widgets" || seen[0].Operation != "update" || seen[0].Outcome != "success" {
		t.Errorf("event = %+v", seen[0])
	}
}

func TestMetricsFanOut_ObserverPanicDoesNotPropagate(t *testing.T) {
	m := NewMetricsFanOut()
	m.Subscribe(func(ev MetricsEvent) { panic("boom") })

	done := make(chan struct{})
	go func() {
		m.record(opDelete, outcomeSuccess)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record should return even if an observer panics")
	}
}

func TestOutcomeForCode(t *testing.T) {
	cases := map[ErrorCode]outcome{
		DuplicatePrimaryKey:  outcomeDuplicatePrimary,
		DuplicateUniqueIndex: outcomeDuplicateIndex,
		DocumentNotFound:     outcomeNotFound,
		RetriesExceeded:      outcomeRetryExceeded,
		Closed:               outcomeFail,
	}
	for code, want := range cases {
		if got := outcomeForCode(code); got != want {
			t.Errorf("outcomeForCode(%v) = %v, want %v", code, got, want)
		}
	}
}

func TestOutcomeForResult(t *testing.T) {
	if got := outcomeForResult(Success(1)); got != outcomeSuccess {
		t.Errorf("Success -> %v, want outcomeSuccess", got)
	}
	if got := outcomeForResult(Empty[int]()); got != outcomeNotFound {
		t.Errorf("Empty -> %v, want outcomeNotFound", got)
	}
	if got := outcomeForResult(Rejected[int](NewRejectUpdate("no"))); got != outcomeRejected {
		t.Errorf("Rejected -> %v, want outcomeRejected", got)
	}
	if got := outcomeForResult(Failure[int](NewError(DocumentNotFound, nil, "k"))); got != outcomeNotFound {
		t.Errorf("Failure(DocumentNotFound) -> %v, want outcomeNotFound", got)
	}
}

func TestOperationAndOutcomeStrings(t *testing.T) {
	if opCreate.String() != "create" || operation(99).String() != "unknown" {
		t.Error("operation.String() mismatch")
	}
	if outcomeSuccess.String() != "success" || outcome(99).String() != "unknown" {
		t.Error("outcome.String() mismatch")
	}
}
