package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Task is one claimed study to screen.
type Task struct {
	Ctx      context.Context // job context; cancelled when the job is aborted
	JobID    types.JobID
	Study    types.StudyRef
	Criteria types.Criteria
	Claimant string        // claim owner passed back to the store
	Timeout  time.Duration // per-decision timeout, zero means none
	Reply    chan<- Result // receives exactly one Result per task
}

// Result is the outcome of one task.
type Result struct {
	JobID    types.JobID
	StudyID  string
	AgentID  int
	Outcome  types.Outcome
	Err      error // nil when the decision was recorded
	Released bool  // the claim was handed back to the store
	Duration time.Duration
}

// Success reports whether the decision was durably recorded.
func (r Result) Success() bool {
	return r.Err == nil
}
