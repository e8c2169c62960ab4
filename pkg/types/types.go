// Package types defines the core domain model of the screening queue.
package types

import (
	"math"
	"strings"
	"time"
)

// JobID is the unique identifier of a screening job.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"    // created, not yet started
	StatusProcessing JobStatus = "processing" // an attempt is running or backing off
	StatusCompleted  JobStatus = "completed"  // every study decided (terminal)
	StatusFailed     JobStatus = "failed"     // retries exhausted, bad input or aborted (terminal)
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Terminal reports whether no transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
//
//	Pending    -> Processing | Failed
//	Processing -> Processing (retry) | Completed | Failed
//	Completed, Failed: terminal
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	}
	return false
}

// AttemptStatus is the status recorded on one processing history entry.
type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "processing"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptAborted    AttemptStatus = "aborted"
)

// Attempt is one entry of a job's processing history.
type Attempt struct {
	Number      int           `json:"attempt"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Status      AttemptStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// Open reports whether the attempt has not been closed yet.
func (a Attempt) Open() bool {
	return a.CompletedAt == nil
}

// Criteria is the inclusion/exclusion rule set of a job.
type Criteria struct {
	Inclusion []string `json:"inclusion" yaml:"inclusion"`
	Exclusion []string `json:"exclusion" yaml:"exclusion"`
}

// Validate requires at least one non-blank inclusion and exclusion criterion.
func (c Criteria) Validate() error {
	if !hasNonBlank(c.Inclusion) {
		return NewError(KindPermanentValidation, "", "validate criteria", errMsg("at least one inclusion criterion is required"))
	}
	if !hasNonBlank(c.Exclusion) {
		return NewError(KindPermanentValidation, "", "validate criteria", errMsg("at least one exclusion criterion is required"))
	}
	return nil
}

// Clone returns a deep copy so a started job never shares slices with callers.
func (c Criteria) Clone() Criteria {
	return Criteria{
		Inclusion: append([]string(nil), c.Inclusion...),
		Exclusion: append([]string(nil), c.Exclusion...),
	}
}

func hasNonBlank(items []string) bool {
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

// Decision is the screening verdict for one study.
type Decision string

const (
	DecisionInclude Decision = "include"
	DecisionExclude Decision = "exclude"
	DecisionMaybe   Decision = "maybe"
)

// Valid reports whether d is one of the three buckets.
func (d Decision) Valid() bool {
	return d == DecisionInclude || d == DecisionExclude || d == DecisionMaybe
}

// Outcome is what the decision function returns for a study.
type Outcome struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// Results partitions decided studies into the three decision buckets.
type Results struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
	Maybe   []string `json:"maybe"`
}

// NewResults returns empty, non-nil buckets.
func NewResults() Results {
	return Results{Include: []string{}, Exclude: []string{}, Maybe: []string{}}
}

// Total is the number of studies across all buckets.
func (r Results) Total() int {
	return len(r.Include) + len(r.Exclude) + len(r.Maybe)
}

// Contains reports whether studyID already sits in any bucket.
func (r Results) Contains(studyID string) bool {
	for _, bucket := range [][]string{r.Include, r.Exclude, r.Maybe} {
		for _, id := range bucket {
			if id == studyID {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the buckets.
func (r Results) Clone() Results {
	return Results{
		Include: append([]string{}, r.Include...),
		Exclude: append([]string{}, r.Exclude...),
		Maybe:   append([]string{}, r.Maybe...),
	}
}

// Job is one screening run.
type Job struct {
	ID       JobID     `json:"id"`
	Status   JobStatus `json:"status"`
	Criteria Criteria  `json:"criteria"`

	TotalStudies     int `json:"total_studies"`
	ProcessedStudies int `json:"processed_studies"`

	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	History    []Attempt `json:"processing_history"`
	Results    Results   `json:"results"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is derived from the counters on every read and never stored.
func (j *Job) Progress() float64 {
	return ComputeProgress(j.ProcessedStudies, j.TotalStudies)
}

// CurrentAttempt returns the last history entry, if any.
func (j *Job) CurrentAttempt() (Attempt, bool) {
	if len(j.History) == 0 {
		return Attempt{}, false
	}
	return j.History[len(j.History)-1], true
}

// Clone returns a deep copy safe to hand out of a lock.
func (j *Job) Clone() *Job {
	c := *j
	c.Criteria = j.Criteria.Clone()
	c.Results = j.Results.Clone()
	c.History = make([]Attempt, len(j.History))
	for i, a := range j.History {
		c.History[i] = a
		if a.CompletedAt != nil {
			t := *a.CompletedAt
			c.History[i].CompletedAt = &t
		}
	}
	return &c
}

// ComputeProgress returns processed/total*100 rounded to two decimals.
// A job with no studies reports 0 until it completes.
func ComputeProgress(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(processed)/float64(total)*100*100) / 100
}

// Study is one bibliographic record as held by the record store.
type Study struct {
	ID       string         `json:"id" bson:"_id"`
	JobID    JobID          `json:"job_id" bson:"job_id"`
	Title    string         `json:"title" bson:"title"`
	Abstract string         `json:"abstract,omitempty" bson:"abstract,omitempty"`
	Keywords []string       `json:"keywords,omitempty" bson:"keywords,omitempty"`
	Authors  []string       `json:"authors,omitempty" bson:"authors,omitempty"`
	Year     int            `json:"year,omitempty" bson:"year,omitempty"`
	DOI      string         `json:"doi,omitempty" bson:"doi,omitempty"`
	Journal  string         `json:"journal,omitempty" bson:"journal,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// StudyRef is a study handed out by a claim, together with the claim marker.
type StudyRef struct {
	Study
	ClaimedBy string    `json:"claimed_by"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// StatusSnapshot is a consistent point-in-time view of a job.
type StatusSnapshot struct {
	ID               JobID     `json:"id"`
	Status           JobStatus `json:"status"`
	Progress         float64   `json:"progress"`
	ProcessedStudies int       `json:"processed_studies"`
	TotalStudies     int       `json:"total_studies"`
	RetryCount       int       `json:"retry_count"`
	LastError        string    `json:"last_error,omitempty"`
	History          []Attempt `json:"processing_history"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SnapshotOf builds the status view from a job copy.
func SnapshotOf(j *Job) StatusSnapshot {
	c := j.Clone()
	return StatusSnapshot{
		ID:               c.ID,
		Status:           c.Status,
		Progress:         c.Progress(),
		ProcessedStudies: c.ProcessedStudies,
		TotalStudies:     c.TotalStudies,
		RetryCount:       c.RetryCount,
		LastError:        c.LastError,
		History:          c.History,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// AgentStatus is the pool-wide view returned by status queries.
type AgentStatus struct {
	TotalAgents  int               `json:"total_agents"`
	ActiveAgents int               `json:"active_agents"`
	QueueLength  int               `json:"queue_length"`
	QueuedTasks  int               `json:"queued_tasks"`
	JobsByStatus map[JobStatus]int `json:"jobs_by_status"`
}

// Summary is the reporting role's aggregate of a completed job.
type Summary struct {
	JobID       JobID            `json:"job_id"`
	Total       int              `json:"total"`
	Counts      map[Decision]int `json:"counts"`
	Studies     Results          `json:"studies"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// RegistrySnapshot is the persisted form of the job registry.
type RegistrySnapshot struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"`
}
