// ============================================================================
// Screening Queue - Job Registry
// ============================================================================
//
// Package: internal/registry
// File: memory.go
// Purpose: in-memory Registry with per-job serialized mutation
//
// Design:
//   jobs map[JobID]*entry - one entry per job, each with its own mutex
//   ├─ map access guarded by mu (RWMutex); only Create/Restore write it
//   └─ job mutation guarded by entry.mu, so different jobs never contend
//
// Job state machine:
//   Pending
//      ↓ StartAttempt()
//   Processing ──FailAttempt(retryable, retries left)──┐
//      ↑                                               │
//      └────────────── StartAttempt() ─────────────────┘
//      ↓ Complete()        ↓ FailAttempt(exhausted) / Abort()
//   Completed           Failed
//
// Write-ahead:
//   Every mutation is applied to a copy, handed to the Journal (WAL), and
//   only then swapped in. A journal failure leaves the job untouched.
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Journal operation names.
const (
	OpCreate       = "create"
	OpProgress     = "progress"
	OpStartAttempt = "start_attempt"
	OpFailAttempt  = "fail_attempt"
	OpComplete     = "complete"
	OpAbort        = "abort"
	OpResult       = "result"
)

type entry struct {
	mu  sync.Mutex
	job *types.Job
}

var _ Registry = (*Memory)(nil)

// Memory is the in-memory Registry implementation.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*entry
	journal Journal
	now     func() time.Time
}

// Option configures a Memory registry.
type Option func(*Memory)

// WithJournal records every mutation before it is applied.
func WithJournal(j Journal) Option {
	return func(m *Memory) { m.journal = j }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty registry.
//
// Usage:
//
//	reg := registry.NewMemory(registry.WithJournal(journal))
//	job, err := reg.Create("job-001", criteria, 120)
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		jobs: make(map[types.JobID]*entry),
		now:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create registers a new Pending job.
func (m *Memory) Create(id types.JobID, criteria types.Criteria, total int) (*types.Job, error) {
	if id == "" {
		return nil, types.NewError(types.KindPermanentValidation, id, OpCreate, errors.New("job id is required"))
	}
	if total < 0 {
		return nil, types.NewError(types.KindPermanentValidation, id, OpCreate, fmt.Errorf("total studies must not be negative, got %d", total))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[id]; exists {
		return nil, types.NewError(types.KindDuplicateJob, id, OpCreate, nil)
	}

	now := m.now()
	job := &types.Job{
		ID:           id,
		Status:       types.StatusPending,
		Criteria:     criteria.Clone(),
		TotalStudies: total,
		History:      []types.Attempt{},
		Results:      types.NewResults(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.record(OpCreate, job); err != nil {
		return nil, err
	}
	m.jobs[id] = &entry{job: job}
	return job.Clone(), nil
}

// Get returns a copy of the job.
func (m *Memory) Get(id types.JobID) (*types.Job, error) {
	e, err := m.lookup(id, "get")
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns copies of all jobs, oldest first.
func (m *Memory) List() []*types.Job {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	jobs := make([]*types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// UpdateProgress raises processed_studies; progress is derived on read.
func (m *Memory) UpdateProgress(id types.JobID, processed int) error {
	_, err := m.mutate(id, OpProgress, func(job *types.Job) (bool, error) {
		if processed < 0 || processed > job.TotalStudies {
			return false, types.NewError(types.KindPermanentValidation, id, OpProgress,
				fmt.Errorf("processed count %d outside [0, %d]", processed, job.TotalStudies))
		}
		if processed <= job.ProcessedStudies {
			return false, nil
		}
		job.ProcessedStudies = processed
		return true, nil
	})
	return err
}

// StartAttempt opens the next history entry.
func (m *Memory) StartAttempt(id types.JobID) (*types.Job, error) {
	return m.mutate(id, OpStartAttempt, func(job *types.Job) (bool, error) {
		if !job.Status.CanTransition(types.StatusProcessing) {
			return false, terminalError(job, OpStartAttempt)
		}
		if cur, ok := job.CurrentAttempt(); ok && cur.Open() {
			return false, types.NewError(types.KindInvalidTransition, id, OpStartAttempt,
				fmt.Errorf("attempt %d is still open", cur.Number))
		}
		job.Status = types.StatusProcessing
		job.History = append(job.History, types.Attempt{
			Number:    job.RetryCount + 1,
			StartedAt: m.now(),
			Status:    types.AttemptProcessing,
		})
		return true, nil
	})
}

// FailAttempt closes the open attempt as failed.
func (m *Memory) FailAttempt(id types.JobID, cause error, retryable bool, maxRetries int) (*types.Job, error) {
	return m.mutate(id, OpFailAttempt, func(job *types.Job) (bool, error) {
		if job.Status != types.StatusProcessing {
			return false, terminalError(job, OpFailAttempt)
		}
		msg := "unknown error"
		if cause != nil {
			msg = cause.Error()
		}
		if err := m.closeAttempt(job, types.AttemptFailed, msg); err != nil {
			return false, err
		}
		job.LastError = msg
		if !retryable {
			job.Status = types.StatusFailed
			return true, nil
		}
		job.RetryCount++
		if job.RetryCount >= maxRetries {
			job.Status = types.StatusFailed
		}
		return true, nil
	})
}

// Complete marks the job Completed and clears last_error.
func (m *Memory) Complete(id types.JobID) (*types.Job, error) {
	return m.mutate(id, OpComplete, func(job *types.Job) (bool, error) {
		if !job.Status.CanTransition(types.StatusCompleted) {
			return false, terminalError(job, OpComplete)
		}
		if err := m.closeAttempt(job, types.AttemptCompleted, ""); err != nil {
			return false, err
		}
		job.Status = types.StatusCompleted
		job.LastError = ""
		return true, nil
	})
}

// Abort fails a non-terminal job and closes its open attempt as aborted.
func (m *Memory) Abort(id types.JobID, reason string) (*types.Job, error) {
	return m.mutate(id, OpAbort, func(job *types.Job) (bool, error) {
		if job.Status.Terminal() {
			return false, terminalError(job, OpAbort)
		}
		msg := "aborted"
		if reason != "" {
			msg = "aborted: " + reason
		}
		if cur, ok := job.CurrentAttempt(); ok && cur.Open() {
			if err := m.closeAttempt(job, types.AttemptAborted, msg); err != nil {
				return false, err
			}
		}
		job.Status = types.StatusFailed
		job.LastError = msg
		return true, nil
	})
}

// AddResult routes studyID into the bucket for decision.
func (m *Memory) AddResult(id types.JobID, studyID string, decision types.Decision) (int, error) {
	job, err := m.mutate(id, OpResult, func(job *types.Job) (bool, error) {
		if !decision.Valid() {
			return false, types.NewError(types.KindPermanentValidation, id, OpResult, fmt.Errorf("unknown decision %q", decision))
		}
		if job.Status != types.StatusProcessing {
			return false, types.NewError(types.KindInvalidTransition, id, OpResult,
				fmt.Errorf("job is %s", job.Status))
		}
		if job.Results.Contains(studyID) {
			return false, nil
		}
		if n := job.Results.Total(); n >= job.TotalStudies {
			return false, types.NewError(types.KindPermanentValidation, id, OpResult,
				fmt.Errorf("results already hold %d of %d studies", n, job.TotalStudies))
		}
		switch decision {
		case types.DecisionInclude:
			job.Results.Include = append(job.Results.Include, studyID)
		case types.DecisionExclude:
			job.Results.Exclude = append(job.Results.Exclude, studyID)
		case types.DecisionMaybe:
			job.Results.Maybe = append(job.Results.Maybe, studyID)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return job.Results.Total(), nil
}

// ============================================================================
// Snapshot and restore
// ============================================================================

// Snapshot copies every job.
func (m *Memory) Snapshot() types.RegistrySnapshot {
	data := types.RegistrySnapshot{
		Jobs:      make(map[types.JobID]*types.Job),
		SchemaVer: 1,
	}
	for _, job := range m.List() {
		data.Jobs[job.ID] = job
	}
	return data
}

// Restore replaces the registry content. Jobs with an unknown status are rejected.
func (m *Memory) Restore(data types.RegistrySnapshot) error {
	jobs := make(map[types.JobID]*entry, len(data.Jobs))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		if !job.Status.Valid() {
			return fmt.Errorf("restore job %s: unknown status %q", id, job.Status)
		}
		c := job.Clone()
		if c.Results.Include == nil || c.Results.Exclude == nil || c.Results.Maybe == nil {
			c.Results = c.Results.Clone()
		}
		jobs[id] = &entry{job: c}
	}

	m.mu.Lock()
	m.jobs = jobs
	m.mu.Unlock()
	return nil
}

// ============================================================================
// Internal helpers
// ============================================================================

func (m *Memory) lookup(id types.JobID, op string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.KindJobNotFound, id, op, nil)
	}
	return e, nil
}

// mutate runs fn on a copy of the job under the job's lock. When fn reports
// a change, the copy is journaled and then replaces the stored job.
func (m *Memory) mutate(id types.JobID, op string, fn func(job *types.Job) (bool, error)) (*types.Job, error) {
	e, err := m.lookup(id, op)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !changed {
		return e.job.Clone(), nil
	}
	next.UpdatedAt = m.now()
	if err := m.record(op, next); err != nil {
		return nil, err
	}
	e.job = next
	return next.Clone(), nil
}

func (m *Memory) record(op string, job *types.Job) error {
	if m.journal == nil {
		return nil
	}
	if err := m.journal.Record(op, job.Clone()); err != nil {
		return types.NewError(types.KindTransient, job.ID, op, fmt.Errorf("journal: %w", err))
	}
	return nil
}

func (m *Memory) closeAttempt(job *types.Job, status types.AttemptStatus, msg string) error {
	cur, ok := job.CurrentAttempt()
	if !ok || !cur.Open() {
		return types.NewError(types.KindInvalidTransition, job.ID, "close attempt", errors.New("no open attempt"))
	}
	now := m.now()
	cur.CompletedAt = &now
	cur.Status = status
	cur.Error = msg
	job.History[len(job.History)-1] = cur
	return nil
}

func terminalError(job *types.Job, op string) error {
	if job.Status == types.StatusFailed {
		return types.NewError(types.KindJobFailedTerminal, job.ID, op, errors.New("job already failed"))
	}
	return types.NewError(types.KindInvalidTransition, job.ID, op, fmt.Errorf("job is %s", job.Status))
}
