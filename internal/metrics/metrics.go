// ============================================================================
// Screening Queue Metrics - Prometheus collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: collect and expose coordinator and agent pool metrics
//
// Metric groups:
//
//   1. Counters:
//      - screenq_jobs_submitted_total
//      - screenq_jobs_completed_total
//      - screenq_jobs_failed_total
//      - screenq_jobs_aborted_total
//      - screenq_attempts_failed_total{kind}
//      - screenq_studies_decided_total{decision}
//      - screenq_studies_released_total
//
//   2. Histograms:
//      - screenq_decision_latency_seconds
//      - screenq_backoff_seconds
//
//   3. Gauges:
//      - screenq_jobs{status}
//      - screenq_agents_active
//      - screenq_recovery_time_seconds
//
// Example queries:
//
//   # decisions per minute
//   rate(screenq_studies_decided_total[1m])
//
//   # 95th percentile decision latency
//   histogram_quantile(0.95, screenq_decision_latency_seconds_bucket)
//
//   # attempt failure ratio by kind
//   sum by (kind) (rate(screenq_attempts_failed_total[5m]))
//
// Every method is safe on a nil *Collector so components can run without
// metrics.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "screenq"

// Collector holds the Prometheus metrics of one process.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsAborted    prometheus.Counter
	attemptsFailed *prometheus.CounterVec
	studiesDecided *prometheus.CounterVec
	studiesRelease prometheus.Counter

	decisionLatency prometheus.Histogram
	backoff         prometheus.Histogram

	jobs         *prometheus.GaugeVec
	agentsActive prometheus.Gauge
	recoveryTime prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of screening jobs submitted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of screening jobs completed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of screening jobs that ended failed",
		}),
		jobsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_aborted_total",
			Help:      "Total number of screening jobs aborted",
		}),
		attemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_failed_total",
			Help:      "Total number of failed attempts by error kind",
		}, []string{"kind"}),
		studiesDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "studies_decided_total",
			Help:      "Total number of studies decided by bucket",
		}, []string{"decision"}),
		studiesRelease: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "studies_released_total",
			Help:      "Total number of claims released after a failed decision",
		}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_seconds",
			Help:      "Time taken to decide one study",
			Buckets:   prometheus.DefBuckets,
		}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Backoff delay applied before a retried attempt",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs per status",
		}, []string{"status"}),
		agentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_active",
			Help:      "Agents currently deciding a study, plus a busy reporting role",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last registry recovery",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsAborted,
		c.attemptsFailed,
		c.studiesDecided,
		c.studiesRelease,
		c.decisionLatency,
		c.backoff,
		c.jobs,
		c.agentsActive,
		c.recoveryTime,
	)
	return c
}

// RecordSubmitted counts a submitted job.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCompleted counts a completed job.
func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

// RecordFailed counts a job that ended in Failed.
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordAborted counts an aborted job.
func (c *Collector) RecordAborted() {
	if c == nil {
		return
	}
	c.jobsAborted.Inc()
}

// RecordAttemptFailed counts a failed attempt under its error kind.
func (c *Collector) RecordAttemptFailed(kind types.ErrorKind) {
	if c == nil {
		return
	}
	c.attemptsFailed.WithLabelValues(kind.String()).Inc()
}

// RecordDecision counts a decided study and observes its latency.
func (c *Collector) RecordDecision(d types.Decision, latency time.Duration) {
	if c == nil {
		return
	}
	c.studiesDecided.WithLabelValues(string(d)).Inc()
	c.decisionLatency.Observe(latency.Seconds())
}

// RecordRelease counts a released claim.
func (c *Collector) RecordRelease() {
	if c == nil {
		return
	}
	c.studiesRelease.Inc()
}

// RecordBackoff observes a retry delay.
func (c *Collector) RecordBackoff(d time.Duration) {
	if c == nil {
		return
	}
	c.backoff.Observe(d.Seconds())
}

// SetRecoveryTime records the duration of the last recovery.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdatePoolStats sets the job-per-status and active agent gauges.
func (c *Collector) UpdatePoolStats(status types.AgentStatus) {
	if c == nil {
		return
	}
	for s, n := range status.JobsByStatus {
		c.jobs.WithLabelValues(string(s)).Set(float64(n))
	}
	c.agentsActive.Set(float64(status.ActiveAgents))
}

// Handler serves the registered metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is done.
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
