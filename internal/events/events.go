// Package events publishes job lifecycle events.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Type names a lifecycle event. It is also the routing key.
type Type string

const (
	JobCreated       Type = "job.created"
	JobStarted       Type = "job.started"
	JobAttemptFailed Type = "job.attempt_failed"
	JobCompleted     Type = "job.completed"
	JobFailed        Type = "job.failed"
	JobAborted       Type = "job.aborted"
)

// Event is the published payload.
type Event struct {
	Type       Type            `json:"type"`
	JobID      types.JobID     `json:"job_id"`
	Status     types.JobStatus `json:"status"`
	Attempt    int             `json:"attempt"`
	RetryCount int             `json:"retry_count"`
	Processed  int             `json:"processed_studies"`
	Total      int             `json:"total_studies"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// FromJob builds an event from a job copy.
func FromJob(t Type, job *types.Job) Event {
	e := Event{
		Type:       t,
		JobID:      job.ID,
		Status:     job.Status,
		Attempt:    len(job.History),
		RetryCount: job.RetryCount,
		Processed:  job.ProcessedStudies,
		Total:      job.TotalStudies,
		Error:      job.LastError,
		Timestamp:  job.UpdatedAt,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Publisher delivers events. Callers treat publishing as best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types published for id, in order.
func (r *Recorder) Types(id types.JobID) []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Type
	for _, e := range r.events {
		if e.JobID == id {
			out = append(out, e.Type)
		}
	}
	return out
}
