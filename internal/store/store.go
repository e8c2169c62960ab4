// Package store defines the record store boundary: the durable table of
// study records and the atomic claim service the coordinator relies on.
//
// The store is the single arbiter of claim exclusivity. A study handed out
// by ClaimBatch is invisible to every other claimant until it is released,
// decided, or its claim is older than the configured lease.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

var (
	// ErrClaimLost means the study is no longer claimed by the caller
	// (released, decided, or reclaimed after the lease expired).
	ErrClaimLost = errors.New("store: claim lost")

	// ErrStudyNotFound means no study has the given id.
	ErrStudyNotFound = errors.New("store: study not found")
)

// DefaultLease is how long a claim stays exclusive without a decision.
const DefaultLease = 5 * time.Minute

// Counts describes the studies of one job.
type Counts struct {
	Total   int `json:"total"`
	Decided int `json:"decided"`
	Claimed int `json:"claimed"` // claimed, undecided and within the lease
}

// Pending is the number of studies still waiting for a decision.
func (c Counts) Pending() int {
	return c.Total - c.Decided
}

// RecordStore is the claim service used during screening.
type RecordStore interface {
	// ClaimBatch atomically marks up to n claimable studies of the job as
	// claimed by claimant and returns them. An empty result means nothing
	// is left to claim.
	ClaimBatch(ctx context.Context, jobID types.JobID, claimant string, n int) ([]types.StudyRef, error)

	// RecordDecision stores the outcome of a study claimed by claimant.
	// It fails with ErrClaimLost when claimant no longer owns the claim.
	RecordDecision(ctx context.Context, studyID, claimant string, outcome types.Outcome) error

	// Release clears claimant's claim so a later attempt can reclaim it.
	Release(ctx context.Context, studyID, claimant string) error

	// Count reports the job's totals.
	Count(ctx context.Context, jobID types.JobID) (Counts, error)
}

// Loader ingests validated studies.
type Loader interface {
	// AddStudies stores studies under jobID, assigning ids to studies
	// without one, and returns how many were stored.
	AddStudies(ctx context.Context, jobID types.JobID, studies []types.Study) (int, error)
}

// Pinger is implemented by backends reachable over a connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is a complete backend.
type Store interface {
	RecordStore
	Loader
	Close() error
}

// Options holds settings shared by every backend.
type Options struct {
	Lease time.Duration
	Now   func() time.Time
}

// Option configures a backend.
type Option func(*Options)

// WithLease sets the claim lease. Zero disables expiry.
func WithLease(d time.Duration) Option {
	return func(o *Options) { o.Lease = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{Lease: DefaultLease, Now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// LeaseCutoff returns the claim time before which a claim has expired.
// With expiry disabled it returns the zero time.
func (o Options) LeaseCutoff() time.Time {
	if o.Lease <= 0 {
		return time.Time{}
	}
	return o.Now().Add(-o.Lease)
}

// ValidateClaim checks the arguments common to every ClaimBatch.
func ValidateClaim(jobID types.JobID, claimant string, n int) error {
	if jobID == "" {
		return types.Permanent("claim batch", errors.New("job id is required"))
	}
	if claimant == "" {
		return types.Permanent("claim batch", errors.New("claimant is required"))
	}
	if n <= 0 {
		return types.Permanent("claim batch", errors.New("batch size must be greater than 0"))
	}
	return nil
}

// ValidateOutcome rejects decisions outside the three buckets.
func ValidateOutcome(outcome types.Outcome) error {
	if !outcome.Decision.Valid() {
		return types.Permanent("record decision", errors.New("unknown decision "+string(outcome.Decision)))
	}
	return nil
}
