package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType names the registry mutation an event records.
type EventType string

const (
	EventCreate       EventType = "CREATE"        // Job registered
	EventProgress     EventType = "PROGRESS"      // processed_studies raised
	EventStartAttempt EventType = "START_ATTEMPT" // History entry opened
	EventFailAttempt  EventType = "FAIL_ATTEMPT"  // Attempt failed, retry consumed or job failed
	EventComplete     EventType = "COMPLETE"      // Job completed
	EventAbort        EventType = "ABORT"         // Job aborted
	EventResult       EventType = "RESULT"        // Study routed to a decision bucket
)

// Event is one WAL record. It carries the full job state after the
// mutation, so replay is an idempotent upsert.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Job       json.RawMessage `json:"job"`       // Job state after the mutation
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// DecodeJob unmarshals the job state carried by the event.
func (e Event) DecodeJob() (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return nil, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return &job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
