package dockache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskRunner is a thin errgroup.Group wrapper that ties a worker pool's
// cancellation to a shared context. NewCache uses it to register unique
// indexes in parallel.
type TaskRunner struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewTaskRunner creates a TaskRunner bound to ctx. maxConcurrency <= 0 means
// unlimited concurrency.
func NewTaskRunner(ctx context.Context, maxConcurrency int) *TaskRunner {
	eg, egCtx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		eg.SetLimit(maxConcurrency)
	}
	return &TaskRunner{eg: eg, ctx: egCtx}
}

// Context returns the errgroup-derived context, cancelled as soon as any
// task returns a non-nil error.
func (tr *TaskRunner) Context() context.Context { return tr.ctx }

// Go schedules task to run, blocking the caller only if maxConcurrency
// slots are currently occupied.
func (tr *TaskRunner) Go(task func() error) { tr.eg.Go(task) }

// Wait blocks until every scheduled task has returned, and returns the
// first non-nil error, if any.
func (tr *TaskRunner) Wait() error { return tr.eg.Wait() }

// drainPollInterval is how often DrainWithDeadline checks on still-pending
// work; drainWarnCadence is how often it logs a warning while waiting.
const (
	drainPollInterval = 100 * time.Millisecond
	drainWarnCadence  = time.Second
)

// DrainWithDeadline waits for wg-tracked work to complete, returning
// whether it finished before deadline elapsed. Used during the cache's
// DRAINING step, which awaits in-flight operations bounded rather than
// forever, polling every drainPollInterval and logging a warning through
// trace every drainWarnCadence while work remains outstanding. trace may
// be nil, in which case no warnings are logged.
func DrainWithDeadline(ctx context.Context, deadline time.Duration, trace *TraceLogger, label string, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	start := time.Now()
	var lastWarn time.Time
	for {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if trace == nil {
				continue
			}
			now := time.Now()
			if lastWarn.IsZero() || now.Sub(lastWarn) >= drainWarnCadence {
				trace.Warnf("%s: still draining in-flight operations after %s", label, now.Sub(start).Round(time.Millisecond))
				lastWarn = now
			}
		}
	}
}
