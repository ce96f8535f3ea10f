// Package rerun is FlakeGuard's Rerun Controller (C9): it decides
// whether a workflow run should be re-triggered or escalated, and
// serializes that decision per run so the ceiling check is race-free
// (spec.md §5's ordering guarantee).
package rerun

import (
	"context"
	"fmt"
	"sync"

	"flakeguard/internal/store"
)

// State names the per-run state machine's positions.
type State string

const (
	StateIdle           State = "idle"
	StateRerunRequested State = "rerun_requested"
	StateRunning        State = "running"
	StateEscalated      State = "escalated"
)

// Decision is Controller.Decide's result: what the caller should do
// next with the upstream client.
type Decision struct {
	State          State
	Mode           store.RerunMode
	AttemptCount   int
	ShouldEscalate bool
}

// Controller guards the read-modify-write ceiling check with one
// advisory lock per workflow run external id, per spec.md §4.9.
type Controller struct {
	store   store.Store
	ceiling int

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(st store.Store, ceiling int) *Controller {
	if ceiling <= 0 {
		ceiling = 3
	}
	return &Controller{store: st, ceiling: ceiling, locks: map[int64]*sync.Mutex{}}
}

func (c *Controller) lockFor(workflowRunExtID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[workflowRunExtID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[workflowRunExtID] = l
	}
	return l
}

// Decide inspects prior RerunAttempts for workflowRunExtID under the
// run's advisory lock and returns whether to rerun (and in what mode)
// or escalate. allFailed reports whether every job in the run failed;
// it selects RerunFull (RerunWorkflow) over RerunFailedOnly
// (RerunFailedJobs) in the returned Decision.
func (c *Controller) Decide(ctx context.Context, workflowRunExtID int64, allFailed bool) (Decision, error) {
	l := c.lockFor(workflowRunExtID)
	l.Lock()
	defer l.Unlock()

	count, err := c.store.CountRerunAttempts(ctx, workflowRunExtID)
	if err != nil {
		return Decision{}, fmt.Errorf("count rerun attempts: %w", err)
	}

	if count >= c.ceiling {
		return Decision{State: StateEscalated, AttemptCount: count, ShouldEscalate: true}, nil
	}

	mode := store.RerunFailedOnly
	if allFailed {
		mode = store.RerunFull
	}
	return Decision{State: StateRerunRequested, Mode: mode, AttemptCount: count}, nil
}

// RecordAttempt appends the RerunAttempt audit row under the same
// per-run lock used by Decide, so the count a concurrent Decide call
// observes is always consistent with what was actually recorded.
func (c *Controller) RecordAttempt(ctx context.Context, ra store.RerunAttempt) error {
	l := c.lockFor(ra.WorkflowRunExtID)
	l.Lock()
	defer l.Unlock()
	return c.store.InsertRerunAttempt(ctx, ra)
}

// Forget releases the advisory lock entry for a workflow run once its
// lifecycle has completed, so the lock map doesn't grow unbounded
// across a long-lived process. Safe to call even if no lock exists.
func (c *Controller) Forget(workflowRunExtID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, workflowRunExtID)
}
