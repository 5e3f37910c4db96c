package dockache

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func TestCasBackoff_EarlyAttemptsUseFixedFloor(t *testing.T) {
	SetJitterRNG(rand.New(rand.NewSource(1)))
	for attempt := 1; attempt <= 2; attempt++ {
		d := casBackoff(attempt, 0)
		if d < casMinDelay || d > casMinDelay+30*time.Millisecond {
			t.Errorf("attempt %d: casBackoff = %v, want within [%v, %v]", attempt, d, casMinDelay, casMinDelay+30*time.Millisecond)
		}
	}
}

func TestCasBackoff_GrowsWithAttempt(t *testing.T) {
	d3 := casBackoff(3, 100*time.Millisecond)
	d6 := casBackoff(6, 100*time.Millisecond)
	if d6 <= d3 {
		t.Errorf("casBackoff should grow with attempt: attempt3=%v attempt6=%v", d3, d6)
	}
}

func TestCasBackoff_RespectsCap(t *testing.T) {
	d := casBackoff(50, 10*time.Second)
	if d > casMaxDelay {
		t.Errorf("casBackoff = %v, exceeds cap %v", d, casMaxDelay)
	}
}

func TestReconnectBackoff_GrowsAndCaps(t *testing.T) {
	d0 := 100 * time.Millisecond
	maxDelay := 2 * time.Second

	early := reconnectBackoff(1, d0, maxDelay)
	later := reconnectBackoff(5, d0, maxDelay)
	if later <= early {
		t.Errorf("reconnectBackoff should grow: attempt1=%v attempt5=%v", early, later)
	}

	capped := reconnectBackoff(1000, d0, maxDelay)
	if capped > maxDelay {
		t.Errorf("reconnectBackoff = %v, exceeds cap %v", capped, maxDelay)
	}
}

func TestReconnectBackoff_ClampsNonPositiveAttempt(t *testing.T) {
	a := reconnectBackoff(0, 100*time.Millisecond, time.Second)
	if a <= 0 {
		t.Errorf("attempt<1 should clamp to attempt 1's positive delay, got %v", a)
	}
}

func TestSleep_ReturnsImmediatelyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	sleep(ctx, time.Second)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("sleep should return promptly on a cancelled context, took %v", elapsed)
	}
}

func TestSleep_ZeroOrNegativeIsNoop(t *testing.T) {
	start := time.Now()
	sleep(context.Background(), 0)
	sleep(context.Background(), -time.Second)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("sleep(0) / sleep(negative) should return immediately, took %v", elapsed)
	}
}

func TestHalfRTTTracker_EWMA(t *testing.T) {
	tr := newHalfRTTTracker()
	initial := tr.get()
	tr.observe(200 * time.Millisecond)
	after := tr.get()
	if after <= initial {
		t.Errorf("observing a large round trip should raise the tracked value: before=%v after=%v", initial, after)
	}
}
