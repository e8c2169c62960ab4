package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/events"
	"github.com/ChuLiYu/screening-queue/internal/report"
	"github.com/ChuLiYu/screening-queue/internal/worker"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/google/uuid"
)

// Backoff returns the delay before retry number retry (1-indexed):
// base * 2^(retry-1).
func Backoff(base time.Duration, retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return base << (retry - 1)
}

// Submit creates a Pending job and starts driving it in the background. An
// empty id is replaced by a generated one. The record store must not hold
// more studies for the job than total.
func (c *Coordinator) Submit(ctx context.Context, id types.JobID, criteria types.Criteria, total int) (*types.Job, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		id = types.JobID(uuid.NewString())
	}
	counts, err := c.store.Count(ctx, id)
	if err != nil {
		return nil, types.NewError(types.KindTransient, id, "submit", err)
	}
	if counts.Total > total {
		return nil, types.NewError(types.KindPermanentValidation, id, "submit",
			fmt.Errorf("record store holds %d studies, more than total_studies %d", counts.Total, total))
	}
	return c.submit(ctx, id, criteria, total)
}

func (c *Coordinator) submit(ctx context.Context, id types.JobID, criteria types.Criteria, total int) (*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, ErrStopped
	}
	if !c.started {
		return nil, ErrNotStarted
	}

	job, err := c.reg.Create(id, criteria, total)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordSubmitted()
	c.publish(ctx, events.JobCreated, job)

	c.spawn(id)

	c.log.Info("job submitted", "jobID", id, "totalStudies", total)
	return job, nil
}

// spawn starts the handle of id. Callers hold c.mu.
func (c *Coordinator) spawn(id types.JobID) {
	jobCtx, cancel := context.WithCancelCause(c.baseCtx)
	h := &handle{id: id, cancel: cancel, done: make(chan struct{})}
	c.handles[id] = h
	c.jobsWg.Add(1)
	go func() {
		defer c.jobsWg.Done()
		defer cancel(nil)
		c.run(jobCtx, h)
	}()
}

// Screen submits a job whose total is the number of studies the record store
// holds for id.
func (c *Coordinator) Screen(ctx context.Context, id types.JobID, criteria types.Criteria) (*types.Job, error) {
	if id == "" {
		return nil, types.NewError(types.KindPermanentValidation, id, "screen", errors.New("job id is required"))
	}
	counts, err := c.store.Count(ctx, id)
	if err != nil {
		return nil, types.NewError(types.KindTransient, id, "screen", err)
	}
	if counts.Total == 0 {
		return nil, types.NewError(types.KindPermanentValidation, id, "screen", errors.New("no studies loaded for job"))
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	return c.submit(ctx, id, criteria, counts.Total)
}

// Wait blocks until the job handle finishes or ctx is done, then returns the
// job status.
func (c *Coordinator) Wait(ctx context.Context, id types.JobID) (types.StatusSnapshot, error) {
	c.mu.Lock()
	h := c.handles[id]
	c.mu.Unlock()

	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return types.StatusSnapshot{}, ctx.Err()
		}
	}
	return c.GetStatus(id)
}

// Abort stops a Pending or Processing job and waits until its history is
// closed. Terminal jobs are rejected with an invalid transition error.
func (c *Coordinator) Abort(ctx context.Context, id types.JobID, reason string) (types.StatusSnapshot, error) {
	job, err := c.reg.Get(id)
	if err != nil {
		return types.StatusSnapshot{}, err
	}
	if job.Status.Terminal() {
		return types.StatusSnapshot{}, types.NewError(types.KindInvalidTransition, id, "abort",
			fmt.Errorf("job is already %s", job.Status))
	}
	if reason == "" {
		reason = "abort requested"
	}

	c.mu.Lock()
	h := c.handles[id]
	c.mu.Unlock()

	if h != nil {
		h.cancel(errors.New(reason))
		select {
		case <-h.done:
		case <-ctx.Done():
			return types.StatusSnapshot{}, ctx.Err()
		}
		if job, err = c.reg.Get(id); err != nil {
			return types.StatusSnapshot{}, err
		}
		if job.Status.Terminal() {
			return types.SnapshotOf(job), nil
		}
	}

	// no live handle drives this job; abort it in place
	aborted, err := c.reg.Abort(id, reason)
	if err != nil {
		return types.StatusSnapshot{}, err
	}
	c.finishAborted(ctx, aborted)
	return types.SnapshotOf(aborted), nil
}

// ============================================================================
// Job handle
// ============================================================================

// run drives one job from admission to a terminal state.
func (c *Coordinator) run(ctx context.Context, h *handle) {
	defer c.dropHandle(h)
	defer close(h.done)
	log := c.log.With("jobID", h.id)

	c.waiting.Add(1)
	err := c.admit.Acquire(ctx, 1)
	c.waiting.Add(-1)
	if err != nil {
		c.abort(ctx, h.id)
		return
	}
	defer c.admit.Release(1)

	for {
		job, err := c.reg.StartAttempt(h.id)
		if err != nil {
			log.Error("failed to start attempt", "error", err)
			c.abortWith(ctx, h.id, err.Error())
			return
		}
		attempt := len(job.History)
		log.Info("attempt started", "attempt", attempt, "retryCount", job.RetryCount)
		c.publish(ctx, events.JobStarted, job)

		attemptErr := c.runAttempt(ctx, job)
		if ctx.Err() != nil {
			c.abort(ctx, h.id)
			return
		}

		if attemptErr == nil {
			job, err = c.reg.Complete(h.id)
			if err != nil {
				log.Error("failed to complete job", "error", err)
				c.abortWith(ctx, h.id, err.Error())
				return
			}
			c.metrics.RecordCompleted()
			c.publish(ctx, events.JobCompleted, job)
			log.Info("job completed", "attempt", attempt, "processed", job.ProcessedStudies)
			c.summarize(job)
			return
		}

		kind := types.KindOf(attemptErr)
		retryable := kind != types.KindPermanentValidation
		c.metrics.RecordAttemptFailed(kind)

		job, err = c.reg.FailAttempt(h.id, attemptErr, retryable, c.cfg.MaxRetries)
		if err != nil {
			log.Error("failed to record attempt failure", "error", err, "cause", attemptErr)
			c.abortWith(ctx, h.id, err.Error())
			return
		}
		if job.Status == types.StatusFailed {
			c.metrics.RecordFailed()
			c.publish(ctx, events.JobFailed, job)
			log.Warn("job failed",
				"attempt", attempt,
				"retryCount", job.RetryCount,
				"retryable", retryable,
				"error", attemptErr)
			return
		}

		delay := Backoff(c.cfg.BaseDelay, job.RetryCount)
		c.publish(ctx, events.JobAttemptFailed, job)
		c.metrics.RecordBackoff(delay)
		log.Warn("attempt failed, retrying",
			"attempt", attempt,
			"retryCount", job.RetryCount,
			"backoff", delay,
			"error", attemptErr)

		if err := c.sleep(ctx, delay); err != nil {
			c.abort(ctx, h.id)
			return
		}
	}
}

// runAttempt claims batches until the store has nothing left for the job.
// It returns the first study failure after the batch it happened in has
// settled.
func (c *Coordinator) runAttempt(ctx context.Context, job *types.Job) error {
	claimant := fmt.Sprintf("%s/%d/%s", job.ID, len(job.History), uuid.NewString())
	reply := make(chan worker.Result, c.cfg.BatchSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		refs, err := c.store.ClaimBatch(ctx, job.ID, claimant, c.cfg.BatchSize)
		if err != nil {
			if types.KindOf(err) == types.KindUnknown {
				err = types.Transient("claim batch", err)
			}
			return err
		}
		if len(refs) == 0 {
			return c.checkExhausted(ctx, job)
		}

		var firstErr error
		submitted := 0
		for _, ref := range refs {
			task := worker.Task{
				Ctx:      ctx,
				JobID:    job.ID,
				Study:    ref,
				Criteria: job.Criteria,
				Claimant: claimant,
				Timeout:  c.cfg.TaskTimeout,
				Reply:    reply,
			}
			if err := c.pool.Submit(ctx, task); err != nil {
				firstErr = types.Transient("dispatch", err)
				break
			}
			submitted++
		}
		c.releaseUnsubmitted(job.ID, claimant, refs[submitted:])

		for i := 0; i < submitted; i++ {
			res := <-reply
			if !res.Success() {
				if res.Released {
					c.metrics.RecordRelease()
				}
				if firstErr == nil {
					firstErr = res.Err
				}
				continue
			}
			c.metrics.RecordDecision(res.Outcome.Decision, res.Duration)
			if err := c.applyResult(job.ID, res); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return firstErr
		}
	}
}

// applyResult routes a recorded decision into its bucket and raises the
// processed counter to the number of decided studies.
func (c *Coordinator) applyResult(id types.JobID, res worker.Result) error {
	decided, err := c.reg.AddResult(id, res.StudyID, res.Outcome.Decision)
	if err != nil {
		return err
	}
	return c.reg.UpdateProgress(id, decided)
}

// checkExhausted guards completion: studies still held by another claimant
// must be decided (or expire) before the job can complete.
func (c *Coordinator) checkExhausted(ctx context.Context, job *types.Job) error {
	counts, err := c.store.Count(ctx, job.ID)
	if err != nil {
		return types.Transient("count studies", err)
	}
	if counts.Claimed > 0 {
		return types.NewError(types.KindTransient, job.ID, "claim batch",
			fmt.Errorf("%d studies still claimed elsewhere", counts.Claimed))
	}
	if counts.Pending() > 0 {
		return types.NewError(types.KindTransient, job.ID, "claim batch",
			fmt.Errorf("%d undecided studies could not be claimed", counts.Pending()))
	}
	return nil
}

func (c *Coordinator) releaseUnsubmitted(id types.JobID, claimant string, refs []types.StudyRef) {
	if len(refs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ref := range refs {
		if err := c.store.Release(ctx, ref.ID, claimant); err != nil {
			c.log.Warn("failed to release claim", "jobID", id, "study", ref.ID, "error", err)
			continue
		}
		c.metrics.RecordRelease()
	}
}

// abort closes the job as aborted with the cancellation cause as reason.
func (c *Coordinator) abort(ctx context.Context, id types.JobID) {
	reason := reasonShutdown
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	c.abortWith(ctx, id, reason)
}

// abortWith closes the job as aborted, retrying registry failures so the
// open history entry is not left behind. A job that reached a terminal
// state in the meantime is left as is.
func (c *Coordinator) abortWith(ctx context.Context, id types.JobID, reason string) {
	var err error
	for i := 0; i < abortAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * abortRetryDelay)
		}
		var job *types.Job
		job, err = c.reg.Abort(id, reason)
		if err == nil {
			c.finishAborted(ctx, job)
			return
		}
		switch types.KindOf(err) {
		case types.KindInvalidTransition, types.KindJobFailedTerminal, types.KindJobNotFound:
			return
		}
		c.log.Warn("failed to abort job, retrying", "jobID", id, "attempt", i+1, "error", err)
	}
	c.log.Error("failed to abort job", "jobID", id, "error", err)
}

// dropHandle forgets h once its run has finished.
func (c *Coordinator) dropHandle(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[h.id] == h {
		delete(c.handles, h.id)
	}
}

func (c *Coordinator) finishAborted(ctx context.Context, job *types.Job) {
	c.metrics.RecordAborted()
	c.publish(ctx, events.JobAborted, job)
	c.log.Warn("job aborted", "jobID", job.ID, "reason", job.LastError)
}

// summarize runs the reporting role over a completed job.
func (c *Coordinator) summarize(job *types.Job) {
	c.pool.BeginReport()
	defer c.pool.EndReport()

	s := report.Summarize(job, c.now())

	c.log.Info("summary ready",
		"jobID", job.ID,
		"include", s.Counts[types.DecisionInclude],
		"exclude", s.Counts[types.DecisionExclude],
		"maybe", s.Counts[types.DecisionMaybe])

	if c.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if _, err := c.archive.Archive(ctx, s); err != nil {
			c.log.Warn("failed to archive report", "jobID", job.ID, "error", err)
		}
	}
}

// publish is best effort: failures are logged, never returned.
func (c *Coordinator) publish(ctx context.Context, t events.Type, job *types.Job) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.events.Publish(pubCtx, events.FromJob(t, job)); err != nil {
		c.log.Warn("failed to publish event", "type", t, "jobID", job.ID, "error", err)
	}
}
