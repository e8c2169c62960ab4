package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, JobStatus("paused").Valid())
}

func TestComputeProgress(t *testing.T) {
	assert.Equal(t, 0.0, ComputeProgress(0, 0))
	assert.Equal(t, 0.0, ComputeProgress(0, 10))
	assert.Equal(t, 33.33, ComputeProgress(1, 3))
	assert.Equal(t, 66.67, ComputeProgress(2, 3))
	assert.Equal(t, 100.0, ComputeProgress(5, 5))
}

func TestCriteriaValidate(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		wantErr  bool
	}{
		{"valid", Criteria{Inclusion: []string{"RCT"}, Exclusion: []string{"animal"}}, false},
		{"missing inclusion", Criteria{Exclusion: []string{"animal"}}, true},
		{"blank inclusion", Criteria{Inclusion: []string{"  "}, Exclusion: []string{"animal"}}, true},
		{"missing exclusion", Criteria{Inclusion: []string{"RCT"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.criteria.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrPermanentValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewError(KindJobNotFound, "job-1", "get", nil))
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NotErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, KindJobNotFound, KindOf(err))
	assert.Contains(t, err.Error(), "job-1")

	cause := errors.New("connection reset")
	wrapped := Transient("claim batch", cause)
	assert.ErrorIs(t, wrapped, ErrTransient)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Equal(t, "permanent_validation", KindPermanentValidation.String())
}

func TestJobCloneIsDeep(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:       "job-1",
		Criteria: Criteria{Inclusion: []string{"a"}, Exclusion: []string{"b"}},
		Results:  Results{Include: []string{"s1"}},
		History:  []Attempt{{Number: 1, StartedAt: now, CompletedAt: &now, Status: AttemptCompleted}},
	}
	c := job.Clone()
	c.Criteria.Inclusion[0] = "changed"
	c.Results.Include[0] = "changed"
	*c.History[0].CompletedAt = now.Add(time.Hour)

	assert.Equal(t, "a", job.Criteria.Inclusion[0])
	assert.Equal(t, "s1", job.Results.Include[0])
	assert.Equal(t, now, *job.History[0].CompletedAt)
}

func TestResultsContains(t *testing.T) {
	r := NewResults()
	r.Maybe = append(r.Maybe, "s3")
	assert.True(t, r.Contains("s3"))
	assert.False(t, r.Contains("s4"))
	assert.Equal(t, 1, r.Total())
}
