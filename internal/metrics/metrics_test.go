package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)
	require.NotNil(t, collector)

	// Vectors only appear once a label is used; plain metrics are there at once.
	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"screenq_jobs_submitted_total",
		"screenq_jobs_completed_total",
		"screenq_jobs_failed_total",
		"screenq_jobs_aborted_total",
		"screenq_studies_released_total",
		"screenq_decision_latency_seconds",
		"screenq_agents_active",
		"screenq_recovery_time_seconds",
	} {
		assert.True(t, names[want], "metric %s should be registered", want)
	}
}

func TestNewCollectorTwiceOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
		NewCollector(nil)
	})
}

func TestJobCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	for i := 0; i < 3; i++ {
		c.RecordSubmitted()
	}
	c.RecordCompleted()
	c.RecordFailed()
	c.RecordAborted()

	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsAborted))
}

func TestRecordAttemptFailed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordAttemptFailed(types.KindTransient)
	c.RecordAttemptFailed(types.KindTransient)
	c.RecordAttemptFailed(types.KindPermanentValidation)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.attemptsFailed.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsFailed.WithLabelValues("permanent_validation")))
}

func TestRecordDecision(t *testing.T) {
	c, _ := newTestCollector(t)

	latencies := []time.Duration{time.Millisecond, 10 * time.Millisecond, time.Second}
	for _, l := range latencies {
		c.RecordDecision(types.DecisionInclude, l)
	}
	c.RecordDecision(types.DecisionMaybe, time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.studiesDecided.WithLabelValues("include")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.studiesDecided.WithLabelValues("maybe")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.decisionLatency))
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats(types.AgentStatus{
		ActiveAgents: 2,
		JobsByStatus: map[types.JobStatus]int{
			types.StatusPending:    1,
			types.StatusProcessing: 2,
			types.StatusCompleted:  0,
			types.StatusFailed:     4,
		},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.agentsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("processing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobs.WithLabelValues("completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.jobs.WithLabelValues("failed")))
}

func TestRecoveryAndBackoff(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetRecoveryTime(1500 * time.Millisecond)
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))

	c.SetRecoveryTime(200 * time.Millisecond)
	assert.Equal(t, 0.2, testutil.ToFloat64(c.recoveryTime))

	c.RecordBackoff(5 * time.Second)
	c.RecordRelease()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.studiesRelease))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmitted()
		c.RecordCompleted()
		c.RecordFailed()
		c.RecordAborted()
		c.RecordAttemptFailed(types.KindTransient)
		c.RecordDecision(types.DecisionExclude, time.Second)
		c.RecordRelease()
		c.RecordBackoff(time.Second)
		c.SetRecoveryTime(time.Second)
		c.UpdatePoolStats(types.AgentStatus{})
	})
}

func TestHandler(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordSubmitted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "screenq_jobs_submitted_total 1"))
}
