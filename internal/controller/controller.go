// ============================================================================
// Screening Coordinator - drives screening jobs to a terminal state
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: owns the job registry, the agent pool and every running job
//
// Components:
//   - Registry: job status, counters, retry state, history and results
//   - RecordStore: claim service for the studies of a job
//   - Pool: bounded set of screening agents plus the reporting role
//   - WAL + Snapshot (optional): registry persistence for crash recovery
//
// Job handles:
//   Submit creates the job and starts one goroutine per job. At most
//   MaxConcurrentJobs handles run attempts at once; the rest wait for
//   admission. Every handle is joinable (Wait) and cancellable (Abort,
//   Stop).
//
// Recovery (Start):
//   1. load the snapshot
//   2. replay WAL events written after it
//   3. abort every job left in Processing; its claims expire with the lease
//   4. start handles for jobs still Pending
//
// Loops:
//   - snapshotLoop: periodic snapshot + WAL rotation
//   - statsLoop: refreshes pool gauges
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/events"
	"github.com/ChuLiYu/screening-queue/internal/metrics"
	"github.com/ChuLiYu/screening-queue/internal/registry"
	"github.com/ChuLiYu/screening-queue/internal/report"
	"github.com/ChuLiYu/screening-queue/internal/snapshot"
	"github.com/ChuLiYu/screening-queue/internal/storage/wal"
	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/internal/worker"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrStopped means the coordinator no longer accepts jobs.
	ErrStopped = errors.New("coordinator is stopped")
	// ErrNotStarted means Start has not been called.
	ErrNotStarted = errors.New("coordinator not started")
)

// Abort reasons recorded on the job.
const (
	reasonShutdown    = "coordinator shutdown"
	reasonInterrupted = "interrupted by restart"
)

const (
	archiveTimeout  = 30 * time.Second
	abortAttempts   = 5
	abortRetryDelay = 50 * time.Millisecond
)

// Config holds the coordinator settings.
type Config struct {
	MaxConcurrentJobs int           // jobs running attempts at the same time
	Workers           int           // screening agents (the reporting role is extra)
	BatchSize         int           // studies per claim
	MaxRetries        int           // attempts before a job fails terminally
	BaseDelay         time.Duration // backoff before the first retry, negative disables
	TaskTimeout       time.Duration // per-study decision timeout, 0 disables
	QueueSize         int           // agent pool task buffer
	SnapshotInterval  time.Duration // 0 disables periodic snapshots
	SnapshotBackups   int           // previous snapshots kept on disk, 0 keeps none
	StatsInterval     time.Duration
}

// DefaultConfig returns the defaults New applies to zero fields. TaskTimeout
// and SnapshotInterval are the exceptions: zero disables them. A negative
// BaseDelay disables backoff.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 3,
		Workers:           3,
		BatchSize:         10,
		MaxRetries:        3,
		BaseDelay:         5 * time.Second,
		TaskTimeout:       2 * time.Minute,
		SnapshotInterval:  30 * time.Second,
		StatsInterval:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = d.MaxConcurrentJobs
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	switch {
	case c.BaseDelay == 0:
		c.BaseDelay = d.BaseDelay
	case c.BaseDelay < 0:
		c.BaseDelay = 0 // negative disables backoff
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * c.BatchSize
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	return c
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.events = p
		}
	}
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithClock sets the time source used for summaries and health.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPersistence enables snapshot + WAL recovery. The registry must journal
// to the same WAL. The coordinator closes the WAL on Stop.
func WithPersistence(snap *snapshot.Manager, w *wal.WAL) Option {
	return func(c *Coordinator) {
		c.snapshots = snap
		c.wal = w
	}
}

// WithArchiver uploads the report of every completed job. Archive failures
// are logged and never fail the job.
func WithArchiver(a report.Archiver) Option {
	return func(c *Coordinator) {
		c.archive = a
	}
}

// handle is the joinable, cancellable run of one job.
type handle struct {
	id     types.JobID
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Coordinator drives screening jobs.
type Coordinator struct {
	cfg     Config
	reg     registry.Registry
	store   store.RecordStore
	pool    *worker.Pool
	log     *slog.Logger
	metrics *metrics.Collector
	events  events.Publisher
	archive report.Archiver
	sleep   Sleeper
	now     func() time.Time

	snapshots *snapshot.Manager
	wal       *wal.WAL
	snapMu    sync.Mutex

	admit   *semaphore.Weighted
	waiting atomic.Int64

	mu        sync.Mutex
	handles   map[types.JobID]*handle // live runs only
	baseCtx   context.Context
	cancelAll context.CancelCauseFunc
	started   bool
	stopped   bool
	startTime time.Time

	jobsWg sync.WaitGroup
	loopWg sync.WaitGroup
	stopCh chan struct{}
}

// New creates a coordinator. Start must be called before Submit.
func New(cfg Config, reg registry.Registry, st store.RecordStore, d decision.Decider, opts ...Option) (*Coordinator, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if st == nil {
		return nil, errors.New("record store is required")
	}
	if d == nil {
		return nil, errors.New("decider is required")
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:       cfg,
		reg:       reg,
		store:     st,
		log:       slog.Default(),
		events:    events.Nop{},
		sleep:     sleepCtx,
		now:       time.Now,
		admit:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		handles:   make(map[types.JobID]*handle),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = worker.NewPool(cfg.QueueSize, d, st, c.log)
	c.baseCtx, c.cancelAll = context.WithCancelCause(context.Background())
	return c, nil
}

// Start recovers the registry when persistence is enabled, then starts the
// agent pool and the background loops.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("coordinator already started")
	}
	if c.stopped {
		return ErrStopped
	}
	c.startTime = c.now()

	if err := c.recover(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if err := c.pool.Start(c.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start agent pool: %w", err)
	}

	if c.snapshots != nil && c.wal != nil && c.cfg.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.metrics != nil {
		c.loopWg.Add(1)
		go c.statsLoop()
	}

	// Pending jobs were never admitted before the restart; drive them now.
	resumed := 0
	for _, job := range c.reg.List() {
		if job.Status == types.StatusPending {
			c.spawn(job.ID)
			resumed++
		}
	}

	c.started = true
	c.log.Info("coordinator started",
		"resumedJobs", resumed,
		"agents", c.cfg.Workers,
		"maxConcurrentJobs", c.cfg.MaxConcurrentJobs,
		"maxRetries", c.cfg.MaxRetries)
	return nil
}

// recover loads the snapshot, replays the WAL and aborts interrupted jobs.
func (c *Coordinator) recover() error {
	if c.snapshots == nil || c.wal == nil {
		return nil
	}
	start := time.Now()

	base, err := c.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	state, replayed, err := wal.Recover(base, c.wal)
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	if err := c.reg.Restore(state); err != nil {
		return fmt.Errorf("failed to restore registry: %w", err)
	}

	aborted := 0
	for _, job := range c.reg.List() {
		if job.Status != types.StatusProcessing {
			continue
		}
		if _, err := c.reg.Abort(job.ID, reasonInterrupted); err != nil {
			c.log.Error("failed to abort interrupted job", "jobID", job.ID, "error", err)
			continue
		}
		aborted++
	}

	elapsed := time.Since(start)
	c.metrics.SetRecoveryTime(elapsed)
	c.log.Info("recovery completed",
		"duration", elapsed,
		"jobs", len(state.Jobs),
		"replayedEvents", replayed,
		"abortedJobs", aborted)
	return nil
}

// ============================================================================
// Background loops
// ============================================================================

func (c *Coordinator) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				c.log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

func (c *Coordinator) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.metrics.UpdatePoolStats(c.GetAgentStatus())
		}
	}
}

// TakeSnapshot persists the registry and drops WAL events it covers.
func (c *Coordinator) TakeSnapshot() error {
	if c.snapshots == nil || c.wal == nil {
		return nil
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	start := time.Now()
	// Read the sequence first: every event up to it is already applied
	// to the registry when Snapshot copies it.
	lastSeq := c.wal.LastSeq()
	data := c.reg.Snapshot()
	data.LastSeq = lastSeq

	write := c.snapshots.Write
	if c.cfg.SnapshotBackups > 0 {
		write = func(d types.RegistrySnapshot) error {
			return c.snapshots.WriteWithBackup(d, c.cfg.SnapshotBackups)
		}
	}
	if err := write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.wal.Rotate(lastSeq); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	c.log.Debug("snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs), "lastSeq", lastSeq)
	return nil
}

// Stop aborts running jobs, waits for their handles (or ctx), stops the
// pool, writes a final snapshot and closes the WAL.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("stopping coordinator")
	c.cancelAll(errors.New(reasonShutdown))

	done := make(chan struct{})
	go func() {
		c.jobsWg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}

	close(c.stopCh)
	c.loopWg.Wait()
	if started {
		c.pool.Stop()
	}

	if err := c.TakeSnapshot(); err != nil {
		c.log.Error("failed to take final snapshot", "error", err)
	}
	if c.wal != nil {
		if err := c.wal.Close(); err != nil {
			c.log.Error("failed to close WAL", "error", err)
		}
	}

	c.log.Info("coordinator stopped")
	return waitErr
}
