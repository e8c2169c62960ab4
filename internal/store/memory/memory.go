// Package memory is an in-process record store. Claims use the same lease
// rules as the database backends; it backs tests and standalone runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/google/uuid"
)

type record struct {
	study     types.Study
	seq       int
	claimedBy string
	claimedAt time.Time
	outcome   *types.Outcome
}

// Store keeps every study in a map guarded by one mutex, so a claim scan and
// its marking happen atomically.
type Store struct {
	mu      sync.Mutex
	opts    store.Options
	studies map[string]*record
	byJob   map[types.JobID][]*record
	seq     int
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...store.Option) *Store {
	return &Store{
		opts:    store.BuildOptions(opts...),
		studies: make(map[string]*record),
		byJob:   make(map[types.JobID][]*record),
	}
}

// AddStudies stores studies in insertion order. Studies whose id already
// exists are skipped.
func (s *Store) AddStudies(ctx context.Context, jobID types.JobID, studies []types.Study) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	for _, st := range studies {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if _, exists := s.studies[st.ID]; exists {
			continue
		}
		st.JobID = jobID
		s.seq++
		rec := &record{study: st, seq: s.seq}
		s.studies[st.ID] = rec
		s.byJob[jobID] = append(s.byJob[jobID], rec)
		stored++
	}
	return stored, nil
}

// ClaimBatch hands out the oldest undecided studies that are unclaimed or
// whose claim has expired.
func (s *Store) ClaimBatch(ctx context.Context, jobID types.JobID, claimant string, n int) ([]types.StudyRef, error) {
	if err := store.ValidateClaim(jobID, claimant, n); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Transient("claim batch", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	cutoff := s.opts.LeaseCutoff()
	refs := make([]types.StudyRef, 0, n)
	for _, rec := range s.byJob[jobID] {
		if len(refs) == n {
			break
		}
		if !s.claimable(rec, cutoff) {
			continue
		}
		rec.claimedBy = claimant
		rec.claimedAt = now
		refs = append(refs, types.StudyRef{Study: cloneStudy(rec.study), ClaimedBy: claimant, ClaimedAt: now})
	}
	return refs, nil
}

// RecordDecision sets the decision once, for the current claimant only.
func (s *Store) RecordDecision(ctx context.Context, studyID, claimant string, outcome types.Outcome) error {
	if err := store.ValidateOutcome(outcome); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.Transient("record decision", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(studyID, claimant)
	if err != nil {
		return err
	}
	o := outcome
	rec.outcome = &o
	return nil
}

// Release clears the claim if claimant still holds it.
func (s *Store) Release(ctx context.Context, studyID, claimant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(studyID, claimant)
	if err != nil {
		return err
	}
	rec.claimedBy = ""
	rec.claimedAt = time.Time{}
	return nil
}

// Count reports the job's totals.
func (s *Store) Count(ctx context.Context, jobID types.JobID) (store.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.LeaseCutoff()
	var c store.Counts
	for _, rec := range s.byJob[jobID] {
		c.Total++
		switch {
		case rec.outcome != nil:
			c.Decided++
		case rec.claimedBy != "" && !expired(rec.claimedAt, cutoff):
			c.Claimed++
		}
	}
	return c, nil
}

// Decision returns the recorded outcome of a study, if any.
func (s *Store) Decision(studyID string) (types.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.studies[studyID]
	if !ok || rec.outcome == nil {
		return types.Outcome{}, false
	}
	return *rec.outcome, true
}

// StudyIDs lists a job's study ids in insertion order.
func (s *Store) StudyIDs(jobID types.JobID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append([]*record(nil), s.byJob[jobID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.study.ID
	}
	return ids
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) claimable(rec *record, cutoff time.Time) bool {
	if rec.outcome != nil {
		return false
	}
	return rec.claimedBy == "" || expired(rec.claimedAt, cutoff)
}

func (s *Store) owned(studyID, claimant string) (*record, error) {
	rec, ok := s.studies[studyID]
	if !ok {
		return nil, store.ErrStudyNotFound
	}
	if rec.outcome != nil || rec.claimedBy != claimant {
		return nil, store.ErrClaimLost
	}
	return rec, nil
}

func expired(claimedAt, cutoff time.Time) bool {
	return !cutoff.IsZero() && claimedAt.Before(cutoff)
}

func cloneStudy(st types.Study) types.Study {
	st.Keywords = append([]string(nil), st.Keywords...)
	st.Authors = append([]string(nil), st.Authors...)
	if st.Metadata != nil {
		md := make(map[string]any, len(st.Metadata))
		for k, v := range st.Metadata {
			md[k] = v
		}
		st.Metadata = md
	}
	return st
}
