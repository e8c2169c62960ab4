package memory

import (
	"context"
	"testing"

	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/internal/store/storetest"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts ...store.Option) store.Store {
		return New(opts...)
	})
}

func TestAddStudiesAssignsIDsAndSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()

	n, err := s.AddStudies(ctx, "job-1", []types.Study{{Title: "no id"}, {ID: "fixed", Title: "fixed"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AddStudies(ctx, "job-1", []types.Study{{ID: "fixed", Title: "again"}})
	require.NoError(t, err)
	assert.Zero(t, n)

	ids := s.StudyIDs("job-1")
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, "fixed", ids[1])
}

func TestClaimReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.AddStudies(ctx, "job-1", storetest.Studies("m", 1))
	require.NoError(t, err)

	batch, err := s.ClaimBatch(ctx, "job-1", "agent", 1)
	require.NoError(t, err)
	batch[0].Keywords[0] = "mutated"
	batch[0].Metadata["source"] = "mutated"

	require.NoError(t, s.Release(ctx, batch[0].ID, "agent"))
	again, err := s.ClaimBatch(ctx, "job-1", "agent", 1)
	require.NoError(t, err)
	assert.Equal(t, "trial", again[0].Keywords[0])
	assert.Equal(t, "test", again[0].Metadata["source"])
}

func TestDecision(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.AddStudies(ctx, "job-1", storetest.Studies("d", 1))
	require.NoError(t, err)

	_, ok := s.Decision("d-001")
	assert.False(t, ok)

	_, err = s.ClaimBatch(ctx, "job-1", "agent", 1)
	require.NoError(t, err)
	out := types.Outcome{Decision: types.DecisionMaybe, Confidence: 0.4, Rationale: "unclear"}
	require.NoError(t, s.RecordDecision(ctx, "d-001", "agent", out))

	got, ok := s.Decision("d-001")
	require.True(t, ok)
	assert.Equal(t, out, got)
}
