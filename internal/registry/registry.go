// Package registry holds the job registry: the single source of truth for a
// job's status, counters, retry state, history and results.
package registry

import (
	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Registry is the serialized store of screening jobs.
//
// Every mutation of a job goes through one of these methods; mutations of
// the same job never interleave. Reads return deep copies.
type Registry interface {
	// Create registers a Pending job. Fails with types.ErrDuplicateJob.
	Create(id types.JobID, criteria types.Criteria, total int) (*types.Job, error)

	// Get returns a copy of the job. Fails with types.ErrJobNotFound.
	Get(id types.JobID) (*types.Job, error)

	// List returns copies of every job ordered by creation time.
	List() []*types.Job

	// UpdateProgress raises processed_studies to processed. Lower values
	// are ignored so concurrent completions cannot move the counter back.
	UpdateProgress(id types.JobID, processed int) error

	// StartAttempt moves Pending -> Processing (attempt 1) or, after a
	// failed attempt, appends the next history entry.
	StartAttempt(id types.JobID) (*types.Job, error)

	// FailAttempt closes the open attempt as failed. Retryable failures
	// consume a retry and end the job once maxRetries is reached;
	// non-retryable failures end the job without consuming one.
	FailAttempt(id types.JobID, cause error, retryable bool, maxRetries int) (*types.Job, error)

	// Complete closes the open attempt and moves the job to Completed.
	Complete(id types.JobID) (*types.Job, error)

	// Abort closes any open attempt as aborted and fails the job.
	Abort(id types.JobID, reason string) (*types.Job, error)

	// AddResult routes a decided study into its bucket and returns the
	// number of decided studies. A study already in a bucket is ignored;
	// a study beyond total_studies is rejected.
	AddResult(id types.JobID, studyID string, decision types.Decision) (int, error)

	// Snapshot returns a copy of every job for persistence.
	Snapshot() types.RegistrySnapshot

	// Restore replaces the registry content with a snapshot.
	Restore(data types.RegistrySnapshot) error
}

// Journal receives the new state of a job before it becomes visible.
// A journal error aborts the mutation.
type Journal interface {
	Record(op string, job *types.Job) error
}
