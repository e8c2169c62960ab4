// ============================================================================
// Screening Queue Agent - Decision Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one screening agent; each runs in its own goroutine
//
// How it works:
//   1. Receive a claimed study from taskCh (blocking wait)
//   2. Call the decider with a per-task timeout derived from the job context
//   3. On success write the decision to the record store
//   4. On any failure release the claim so a later attempt can reclaim it
//   5. Send exactly one Result to the task's reply channel
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Agent Goroutine                         │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for { select taskCh / stopCh }    │   │
//   │  │   ├─ ctx := WithTimeout(task.Ctx) │   │
//   │  │   ├─ decider.Decide               │   │
//   │  │   ├─ store.RecordDecision|Release │   │
//   │  │   └─ task.Reply <- result         │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// releaseTimeout bounds the claim release issued after a failure, which
// must run even when the job context is already cancelled.
const releaseTimeout = 5 * time.Second

// Worker is one screening agent.
type Worker struct {
	id      int
	pool    *Pool
	decider decision.Decider
	store   store.RecordStore
	log     *slog.Logger
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:      id,
		pool:    p,
		decider: p.decider,
		store:   p.store,
		log:     p.log.With("agent", id),
	}
}

// Run consumes tasks until the pool stops.
func (w *Worker) Run() {
	for {
		select {
		case task := <-w.pool.taskCh:
			w.pool.active.Add(1)
			result := w.execute(task)
			w.pool.active.Add(-1)
			task.Reply <- result
		case <-w.pool.stopCh:
			return
		}
	}
}

// execute screens one study and settles its claim.
func (w *Worker) execute(task Task) Result {
	start := time.Now()
	result := Result{JobID: task.JobID, StudyID: task.Study.ID, AgentID: w.id}

	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}

	outcome, err := w.decide(ctx, task)
	if err == nil {
		err = w.store.RecordDecision(ctx, task.Study.ID, task.Claimant, outcome)
	}
	cancel()

	if err != nil {
		result.Err = err
		result.Released = w.release(parent, task)
		w.log.Debug("study failed",
			"jobID", task.JobID, "study", task.Study.ID, "released", result.Released, "error", err)
	} else {
		result.Outcome = outcome
	}
	result.Duration = time.Since(start)
	return result
}

func (w *Worker) decide(ctx context.Context, task Task) (out types.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Transient("decide", fmt.Errorf("decider panic: %v", r))
		}
	}()

	out, err = w.decider.Decide(ctx, task.Study.Study, task.Criteria)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			// unclassified errors are treated as infrastructure failures
			err = types.Transient("decide", err)
		}
		return out, err
	}
	if err := decision.CheckOutcome(out); err != nil {
		return out, err
	}
	return out, nil
}

// release hands the claim back. A claim already lost needs no release.
func (w *Worker) release(parent context.Context, task Task) bool {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), releaseTimeout)
	defer cancel()

	err := w.store.Release(ctx, task.Study.ID, task.Claimant)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrClaimLost):
		return false
	default:
		w.log.Warn("failed to release claim; it will expire with its lease",
			"jobID", task.JobID, "study", task.Study.ID, "error", err)
		return false
	}
}
