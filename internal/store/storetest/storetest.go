// Package storetest holds the behaviour every record store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh, empty backend.
type Factory func(t *testing.T, opts ...store.Option) store.Store

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Studies builds n studies with ids prefix-001 .. prefix-n.
func Studies(prefix string, n int) []types.Study {
	out := make([]types.Study, n)
	for i := range out {
		out[i] = types.Study{
			ID:       fmt.Sprintf("%s-%03d", prefix, i+1),
			Title:    fmt.Sprintf("Study %d", i+1),
			Abstract: "A randomized controlled trial in adults.",
			Keywords: []string{"trial", "adults"},
			Year:     2020,
			Metadata: map[string]any{"source": "test"},
		}
	}
	return out
}

var include = types.Outcome{Decision: types.DecisionInclude, Confidence: 0.9, Rationale: "matches"}

// Run executes the shared suite against the backend built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("ClaimUntilExhausted", func(t *testing.T) { testClaimUntilExhausted(t, factory) })
	t.Run("ConcurrentClaimsDoNotOverlap", func(t *testing.T) { testConcurrentClaims(t, factory) })
	t.Run("ReleaseMakesReclaimable", func(t *testing.T) { testRelease(t, factory) })
	t.Run("OnlyClaimantMayDecide", func(t *testing.T) { testClaimOwnership(t, factory) })
	t.Run("ExpiredLeaseIsReclaimable", func(t *testing.T) { testLeaseExpiry(t, factory) })
	t.Run("JobsAreIsolated", func(t *testing.T) { testJobIsolation(t, factory) })
	t.Run("InvalidArguments", func(t *testing.T) { testInvalidArguments(t, factory) })
}

func testClaimUntilExhausted(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t)

	n, err := s.AddStudies(ctx, "job-1", Studies("s", 25))
	require.NoError(t, err)
	require.Equal(t, 25, n)

	seen := map[string]bool{}
	for {
		batch, err := s.ClaimBatch(ctx, "job-1", "agent-a", 10)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		assert.LessOrEqual(t, len(batch), 10)
		for _, ref := range batch {
			assert.False(t, seen[ref.ID], "study %s claimed twice", ref.ID)
			seen[ref.ID] = true
			assert.Equal(t, "agent-a", ref.ClaimedBy)
			assert.Equal(t, types.JobID("job-1"), ref.JobID)
			assert.NotEmpty(t, ref.Title)
			require.NoError(t, s.RecordDecision(ctx, ref.ID, "agent-a", include))
		}
	}
	assert.Len(t, seen, 25)

	counts, err := s.Count(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Total: 25, Decided: 25}, counts)
	assert.Zero(t, counts.Pending())
}

func testConcurrentClaims(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t)
	const total = 120
	_, err := s.AddStudies(ctx, "job-1", Studies("c", total))
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(ctx, "job-1", agent, 7)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, ref := range batch {
					claimed = append(claimed, ref.ID)
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	unique := map[string]bool{}
	for _, id := range claimed {
		assert.False(t, unique[id], "study %s returned to two claimants", id)
		unique[id] = true
	}
	assert.Len(t, unique, total)
	assert.Len(t, claimed, total)

	counts, err := s.Count(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, total, counts.Claimed)
}

func testRelease(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t)
	_, err := s.AddStudies(ctx, "job-1", Studies("r", 3))
	require.NoError(t, err)

	batch, err := s.ClaimBatch(ctx, "job-1", "attempt-1", 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	empty, err := s.ClaimBatch(ctx, "job-1", "attempt-2", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.Release(ctx, batch[1].ID, "attempt-1"))

	again, err := s.ClaimBatch(ctx, "job-1", "attempt-2", 3)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, batch[1].ID, again[0].ID)
	assert.Equal(t, "attempt-2", again[0].ClaimedBy)
}

func testClaimOwnership(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t)
	_, err := s.AddStudies(ctx, "job-1", Studies("o", 1))
	require.NoError(t, err)

	batch, err := s.ClaimBatch(ctx, "job-1", "owner", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	id := batch[0].ID

	assert.ErrorIs(t, s.RecordDecision(ctx, id, "intruder", include), store.ErrClaimLost)
	assert.ErrorIs(t, s.Release(ctx, id, "intruder"), store.ErrClaimLost)
	assert.ErrorIs(t, s.RecordDecision(ctx, "missing", "owner", include), store.ErrStudyNotFound)

	require.NoError(t, s.RecordDecision(ctx, id, "owner", include))
	// A decision is set once.
	assert.ErrorIs(t, s.RecordDecision(ctx, id, "owner", include), store.ErrClaimLost)
	assert.ErrorIs(t, s.Release(ctx, id, "owner"), store.ErrClaimLost)

	empty, err := s.ClaimBatch(ctx, "job-1", "owner", 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testLeaseExpiry(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := factory(t, store.WithLease(time.Minute), store.WithClock(clock.Now))
	_, err := s.AddStudies(ctx, "job-1", Studies("l", 2))
	require.NoError(t, err)

	first, err := s.ClaimBatch(ctx, "job-1", "crashed", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	clock.Advance(30 * time.Second)
	none, err := s.ClaimBatch(ctx, "job-1", "later", 2)
	require.NoError(t, err)
	assert.Empty(t, none)

	clock.Advance(31 * time.Second)
	reclaimed, err := s.ClaimBatch(ctx, "job-1", "later", 2)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 2)

	// The original claimant lost the claim.
	assert.ErrorIs(t, s.RecordDecision(ctx, first[0].ID, "crashed", include), store.ErrClaimLost)
	assert.NoError(t, s.RecordDecision(ctx, first[0].ID, "later", include))
}

func testJobIsolation(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t)
	_, err := s.AddStudies(ctx, "job-a", Studies("a", 4))
	require.NoError(t, err)
	_, err = s.AddStudies(ctx, "job-b", Studies("b", 2))
	require.NoError(t, err)

	batch, err := s.ClaimBatch(ctx, "job-b", "agent", 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, ref := range batch {
		assert.Equal(t, types.JobID("job-b"), ref.JobID)
	}

	counts, err := s.Count(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total)
	assert.Zero(t, counts.Claimed)

	counts, err = s.Count(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func testInvalidArguments(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t)

	_, err := s.ClaimBatch(ctx, "job-1", "agent", 0)
	assert.ErrorIs(t, err, types.ErrPermanentValidation)
	_, err = s.ClaimBatch(ctx, "job-1", "", 1)
	assert.ErrorIs(t, err, types.ErrPermanentValidation)

	_, err = s.AddStudies(ctx, "job-1", Studies("v", 1))
	require.NoError(t, err)
	batch, err := s.ClaimBatch(ctx, "job-1", "agent", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	err = s.RecordDecision(ctx, batch[0].ID, "agent", types.Outcome{Decision: "perhaps"})
	assert.ErrorIs(t, err, types.ErrPermanentValidation)
}
