package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testCriteria() types.Criteria {
	return types.Criteria{
		Inclusion: []string{"randomized controlled trial"},
		Exclusion: []string{"animal study"},
	}
}

// newStartedJob creates a job and opens its first attempt.
func newStartedJob(t *testing.T, reg *Memory, id types.JobID, total int) {
	t.Helper()
	_, err := reg.Create(id, testCriteria(), total)
	require.NoError(t, err)
	_, err = reg.StartAttempt(id)
	require.NoError(t, err)
}

func assertJobStatus(t *testing.T, reg *Memory, id types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := reg.Get(id)
	require.NoError(t, err)
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", id, job.Status, want)
	}
}

type recordingJournal struct {
	mu   sync.Mutex
	ops  []string
	fail bool
}

func (r *recordingJournal) Record(op string, job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.ops = append(r.ops, op)
	return nil
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestCreate(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Memory)
		id       types.JobID
		total    int
		wantKind types.ErrorKind
	}{
		{name: "new job", setup: func(*Memory) {}, id: "job-001", total: 10},
		{
			name:     "duplicate id",
			setup:    func(m *Memory) { m.Create("job-001", testCriteria(), 5) },
			id:       "job-001",
			total:    10,
			wantKind: types.KindDuplicateJob,
		},
		{name: "empty id", setup: func(*Memory) {}, id: "", total: 10, wantKind: types.KindPermanentValidation},
		{name: "negative total", setup: func(*Memory) {}, id: "job-002", total: -1, wantKind: types.KindPermanentValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewMemory()
			tt.setup(reg)

			job, err := reg.Create(tt.id, testCriteria(), tt.total)
			if tt.wantKind != types.KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, types.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusPending, job.Status)
			assert.Equal(t, tt.total, job.TotalStudies)
			assert.Empty(t, job.History)
			assert.NotNil(t, job.Results.Include)
		})
	}
}

func TestDuplicateKeepsOriginal(t *testing.T) {
	reg := NewMemory()
	_, err := reg.Create("job-001", testCriteria(), 5)
	require.NoError(t, err)

	_, err = reg.Create("job-001", testCriteria(), 50)
	assert.ErrorIs(t, err, types.ErrDuplicateJob)

	job, err := reg.Get("job-001")
	require.NoError(t, err)
	assert.Equal(t, 5, job.TotalStudies)
}

func TestGetNotFound(t *testing.T) {
	reg := NewMemory()
	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	assert.ErrorIs(t, reg.UpdateProgress("missing", 1), types.ErrJobNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	reg := NewMemory()
	newStartedJob(t, reg, "job-001", 3)

	job, err := reg.Get("job-001")
	require.NoError(t, err)
	job.ProcessedStudies = 3
	job.History[0].Status = types.AttemptCompleted

	fresh, err := reg.Get("job-001")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.ProcessedStudies)
	assert.Equal(t, types.AttemptProcessing, fresh.History[0].Status)
}

func TestUpdateProgress(t *testing.T) {
	reg := NewMemory()
	newStartedJob(t, reg, "job-001", 3)

	require.NoError(t, reg.UpdateProgress("job-001", 1))
	job, _ := reg.Get("job-001")
	assert.Equal(t, 1, job.ProcessedStudies)
	assert.Equal(t, 33.33, job.Progress())

	// Lower counts never move the counter back.
	require.NoError(t, reg.UpdateProgress("job-001", 0))
	job, _ = reg.Get("job-001")
	assert.Equal(t, 1, job.ProcessedStudies)

	// Counts above total are rejected.
	err := reg.UpdateProgress("job-001", 4)
	assert.ErrorIs(t, err, types.ErrPermanentValidation)

	require.NoError(t, reg.UpdateProgress("job-001", 3))
	job, _ = reg.Get("job-001")
	assert.Equal(t, 100.0, job.Progress())
}

func TestUpdateProgressConcurrent(t *testing.T) {
	reg := NewMemory()
	const total = 200
	newStartedJob(t, reg, "job-001", total)

	var wg sync.WaitGroup
	for i := 1; i <= total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, reg.UpdateProgress("job-001", n))
		}(i)
	}

	// Concurrent readers never observe a decreasing counter.
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := 0
		for i := 0; i < 500; i++ {
			job, err := reg.Get("job-001")
			if !assert.NoError(t, err) {
				return
			}
			assert.GreaterOrEqual(t, job.ProcessedStudies, last)
			assert.LessOrEqual(t, job.ProcessedStudies, total)
			assert.Equal(t, types.ComputeProgress(job.ProcessedStudies, total), job.Progress())
			last = job.ProcessedStudies
		}
	}()

	wg.Wait()
	<-done
	job, _ := reg.Get("job-001")
	assert.Equal(t, total, job.ProcessedStudies)
}

func TestAttemptLifecycle(t *testing.T) {
	reg := NewMemory()
	_, err := reg.Create("job-001", testCriteria(), 5)
	require.NoError(t, err)

	job, err := reg.StartAttempt("job-001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, job.Status)
	require.Len(t, job.History, 1)
	assert.Equal(t, 1, job.History[0].Number)
	assert.True(t, job.History[0].Open())
	assert.Equal(t, job.RetryCount+1, len(job.History))

	// A second start while the attempt is open is rejected.
	_, err = reg.StartAttempt("job-001")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	job, err = reg.FailAttempt("job-001", errors.New("rate limited"), true, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "rate limited", job.LastError)
	assert.Equal(t, types.AttemptFailed, job.History[0].Status)
	assert.False(t, job.History[0].Open())

	job, err = reg.StartAttempt("job-001")
	require.NoError(t, err)
	require.Len(t, job.History, 2)
	assert.Equal(t, 2, job.History[1].Number)
	assert.Equal(t, job.RetryCount+1, len(job.History))
	// last_error survives a new attempt starting.
	assert.Equal(t, "rate limited", job.LastError)

	job, err = reg.Complete("job-001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Empty(t, job.LastError)
	assert.Equal(t, types.AttemptCompleted, job.History[1].Status)
	assert.NotNil(t, job.History[1].CompletedAt)

	// Completed is terminal.
	_, err = reg.StartAttempt("job-001")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = reg.Abort("job-001", "shutdown")
	assert.Error(t, err)
	assertJobStatus(t, reg, "job-001", types.StatusCompleted)
}

func TestFailAttemptExhaustsRetries(t *testing.T) {
	reg := NewMemory()
	_, err := reg.Create("job-001", testCriteria(), 10)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := reg.StartAttempt("job-001")
		require.NoError(t, err)
		job, err := reg.FailAttempt("job-001", fmt.Errorf("failure %d", i), true, 3)
		require.NoError(t, err)
		assert.Equal(t, i, job.RetryCount)
	}

	job, err := reg.Get("job-001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.Len(t, job.History, 3)
	for _, a := range job.History {
		assert.False(t, a.Open())
		assert.Equal(t, types.AttemptFailed, a.Status)
	}

	_, err = reg.StartAttempt("job-001")
	assert.ErrorIs(t, err, types.ErrJobFailedTerminal)
}

func TestFailAttemptNonRetryable(t *testing.T) {
	reg := NewMemory()
	newStartedJob(t, reg, "job-001", 10)

	job, err := reg.FailAttempt("job-001", errors.New("study missing title"), false, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, "study missing title", job.LastError)
}

func TestAbort(t *testing.T) {
	t.Run("open attempt is closed as aborted", func(t *testing.T) {
		reg := NewMemory()
		newStartedJob(t, reg, "job-001", 10)

		job, err := reg.Abort("job-001", "shutdown")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, job.Status)
		assert.Equal(t, "aborted: shutdown", job.LastError)
		require.Len(t, job.History, 1)
		assert.Equal(t, types.AttemptAborted, job.History[0].Status)
		assert.False(t, job.History[0].Open())
	})

	t.Run("pending job", func(t *testing.T) {
		reg := NewMemory()
		_, err := reg.Create("job-002", testCriteria(), 10)
		require.NoError(t, err)

		job, err := reg.Abort("job-002", "")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, job.Status)
		assert.Empty(t, job.History)
	})

	t.Run("during backoff keeps failed entry", func(t *testing.T) {
		reg := NewMemory()
		newStartedJob(t, reg, "job-003", 10)
		_, err := reg.FailAttempt("job-003", errors.New("timeout"), true, 3)
		require.NoError(t, err)

		job, err := reg.Abort("job-003", "shutdown")
		require.NoError(t, err)
		assert.Equal(t, types.AttemptFailed, job.History[0].Status)
		assert.Equal(t, types.StatusFailed, job.Status)
	})
}

func TestAddResult(t *testing.T) {
	reg := NewMemory()
	newStartedJob(t, reg, "job-001", 3)

	n, err := reg.AddResult("job-001", "s1", types.DecisionInclude)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = reg.AddResult("job-001", "s2", types.DecisionMaybe)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-deciding a study never puts it in a second bucket.
	n, err = reg.AddResult("job-001", "s1", types.DecisionExclude)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = reg.AddResult("job-001", "s3", types.Decision("unsure"))
	assert.ErrorIs(t, err, types.ErrPermanentValidation)

	job, _ := reg.Get("job-001")
	assert.Equal(t, []string{"s1"}, job.Results.Include)
	assert.Empty(t, job.Results.Exclude)
	assert.Equal(t, []string{"s2"}, job.Results.Maybe)
}

func TestAddResultBoundedByTotal(t *testing.T) {
	reg := NewMemory()
	newStartedJob(t, reg, "job-001", 2)

	for _, id := range []string{"s1", "s2"} {
		_, err := reg.AddResult("job-001", id, types.DecisionInclude)
		require.NoError(t, err)
	}

	_, err := reg.AddResult("job-001", "s3", types.DecisionExclude)
	assert.ErrorIs(t, err, types.ErrPermanentValidation)

	// a repeat of a counted study is still a no-op
	n, err := reg.AddResult("job-001", "s2", types.DecisionInclude)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, _ := reg.Get("job-001")
	assert.Equal(t, 2, job.Results.Total())
	assert.Empty(t, job.Results.Exclude)
}

func TestListOrderedByCreation(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	reg := NewMemory(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	for _, id := range []types.JobID{"c", "a", "b"} {
		_, err := reg.Create(id, testCriteria(), 1)
		require.NoError(t, err)
	}

	jobs := reg.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, types.JobID("c"), jobs[0].ID)
	assert.Equal(t, types.JobID("a"), jobs[1].ID)
	assert.Equal(t, types.JobID("b"), jobs[2].ID)
}

func TestJournal(t *testing.T) {
	journal := &recordingJournal{}
	reg := NewMemory(WithJournal(journal))
	newStartedJob(t, reg, "job-001", 2)
	_, err := reg.AddResult("job-001", "s1", types.DecisionExclude)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateProgress("job-001", 1))
	// no-op update is not journaled
	require.NoError(t, reg.UpdateProgress("job-001", 1))

	assert.Equal(t, []string{OpCreate, OpStartAttempt, OpResult, OpProgress}, journal.ops)

	journal.fail = true
	err = reg.UpdateProgress("job-001", 2)
	assert.ErrorIs(t, err, types.ErrTransient)

	journal.fail = false
	job, _ := reg.Get("job-001")
	assert.Equal(t, 1, job.ProcessedStudies, "failed journal write must not apply the mutation")
}

func TestSnapshotRestore(t *testing.T) {
	reg := NewMemory()
	newStartedJob(t, reg, "job-001", 2)
	_, err := reg.AddResult("job-001", "s1", types.DecisionInclude)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateProgress("job-001", 1))

	data := reg.Snapshot()
	assert.Equal(t, 1, data.SchemaVer)
	require.Contains(t, data.Jobs, types.JobID("job-001"))

	restored := NewMemory()
	require.NoError(t, restored.Restore(data))
	job, err := restored.Get("job-001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.ProcessedStudies)
	assert.Equal(t, []string{"s1"}, job.Results.Include)

	bad := types.RegistrySnapshot{Jobs: map[types.JobID]*types.Job{"x": {ID: "x", Status: "paused"}}}
	assert.Error(t, restored.Restore(bad))
}
