package dockache

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// jitterRNG is the random source for the jitter of casBackoff attempts 1-2.
// Later CAS attempts and reconnectBackoff take their jitter from go-retry's
// own RNG. It is package-level so tests can swap it for a deterministic
// source.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetJitterRNG overrides the RNG used for casBackoff attempts 1-2. Intended
// for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r != nil {
		jitterRNG = r
	}
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// jitterPercentDeterministic applies go-retry's WithJitterPercent decorator
// around a fixed-duration backoff, so a single computed base duration gets
// the library's jitter treatment instead of a hand-rolled random offset.
// go-retry seeds its own RNG internally; jitterRNG remains available for the
// package's own randomized choices (e.g. CreateRandom key sources elsewhere
// do not use it, but tests may).
func jitterPercentDeterministic(base time.Duration, percent uint64, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	b := retry.WithJitterPercent(percent, retry.NewConstant(base))
	if cap > 0 {
		b = retry.WithCappedDuration(cap, b)
	}
	d, _ := b.Next()
	return d
}

const (
	casMinDelay = 5 * time.Millisecond
	casMaxDelay = 5 * time.Second
)

// casBackoff computes the delay before CAS retry attempt n (1-indexed,
// the delay applied *after* attempt n failed). halfRTT is the store's
// observed half round-trip time, used as the base for
// attempts 3+; it is floored at casMinDelay before use. Jitter and capping
// are applied via go-retry's decorators (see jitterPercentDeterministic);
// only the domain-specific growth formula (base*1.2^(n-2)) is bespoke, since
// go-retry has no notion of a dynamically-observed RTT base.
func casBackoff(attempt int, halfRTT time.Duration) time.Duration {
	if attempt <= 2 {
		jitter := time.Duration(10*time.Millisecond) + time.Duration(jitterRNG.Int63n(int64(20*time.Millisecond)))
		return casMinDelay + jitter
	}
	base := halfRTT
	if base < casMinDelay {
		base = casMinDelay
	}
	d := time.Duration(float64(base) * math.Pow(1.2, float64(attempt-2)))
	return jitterPercentDeterministic(d, 20, casMaxDelay)
}

// reconnectBackoff computes the delay before change-stream reconnect attempt
// n (1-indexed): initial delay d0, factor 1.5, ±10% jitter, capped at
// maxDelay, with the exponent capped to avoid overflow. The growth formula
// is bespoke (go-retry's NewExponential doubles rather than 1.5x); jitter
// and capping reuse go-retry's decorators, same as casBackoff.
func reconnectBackoff(attempt int, d0, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	const exponentCap = 40 // 1.5^40 already vastly exceeds any realistic maxDelay
	exp := attempt - 1
	if exp > exponentCap {
		exp = exponentCap
	}
	d := time.Duration(float64(d0) * math.Pow(1.5, float64(exp)))
	return jitterPercentDeterministic(d, 10, maxDelay)
}

// halfRTTTracker keeps an exponentially-weighted moving average of the
// store's observed half round-trip latency for a cache, used as the base of
// casBackoff's attempts 3+ formula.
type halfRTTTracker struct {
	mu    chanMutex
	value time.Duration
}

// chanMutex is a minimal mutex built on a buffered channel.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

func newHalfRTTTracker() *halfRTTTracker {
	return &halfRTTTracker{mu: newChanMutex(), value: casMinDelay}
}

func (t *halfRTTTracker) observe(roundTrip time.Duration) {
	half := roundTrip / 2
	t.mu.Lock()
	defer t.mu.Unlock()
	// EWMA with alpha=0.2; keeps the tracker responsive without being noisy.
	t.value = time.Duration(0.8*float64(t.value) + 0.2*float64(half))
}

func (t *halfRTTTracker) get() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}
