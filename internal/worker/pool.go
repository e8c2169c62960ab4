// ============================================================================
// Screening Queue Agent Pool
// ============================================================================
//
// Package: internal/worker
// File: pool.go
// Function: owns the screening agents and the reporting role slot
//
// Architecture:
//   ┌─────────────┐
//   │ Coordinator │ --Submit(task)--> taskCh
//   └─────────────┘
//         ↑
//     task.Reply (one channel per attempt)
//         ↑
//   ┌─────────────────┐
//   │   Pool          │
//   │  ┌───────────┐  │
//   │  │ Agent 1   │←── taskCh
//   │  │ Agent 2   │←── taskCh
//   │  │ Agent N   │←── taskCh
//   │  ├───────────┤  │
//   │  │ Reporter  │  BeginReport/EndReport
//   │  └───────────┘  │
//   └─────────────────┘
//
// Lifecycle:
//   1. NewPool()       - create the pool with its decider and record store
//   2. Start(n)        - launch n agents
//   3. Submit(ctx, t)  - queue a claimed study
//   4. Stop()          - stop agents; queued tasks are failed with
//                        ErrPoolClosed and their claims released
//
// Concurrency:
//   - taskCh is buffered; Submit blocks when it is full (backpressure)
//   - at most n decisions are in flight at any moment
//   - stopCh is closed once; taskCh is never closed, so Submit racing
//     with Stop cannot send on a closed channel
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/store"
)

var (
	// ErrPoolClosed means the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool is a bounded set of screening agents plus one reporting role.
type Pool struct {
	decider decision.Decider
	store   store.RecordStore
	log     *slog.Logger

	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup

	active    atomic.Int64
	reporting atomic.Int64

	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool creates a pool whose task queue holds bufferSize tasks.
func NewPool(bufferSize int, d decision.Decider, s store.RecordStore, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		decider: d,
		store:   s,
		log:     logger,
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches workerCount agents.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be greater than 0")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i+1, p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	p.log.Info("agent pool started", "agents", workerCount)
	return nil
}

// Submit queues a task. It blocks while the queue is full and gives up when
// ctx is done or the pool stops.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Reply == nil {
		return errors.New("task has no reply channel")
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for running decisions to finish, then fails every task still
// queued so no submitter waits forever.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case task := <-p.taskCh:
			w := p.workers[0]
			task.Reply <- Result{
				JobID:    task.JobID,
				StudyID:  task.Study.ID,
				Err:      ErrPoolClosed,
				Released: w.release(task.Ctx, task),
			}
		default:
			p.log.Info("agent pool stopped")
			return
		}
	}
}

// BeginReport marks the reporting role busy.
func (p *Pool) BeginReport() {
	p.reporting.Add(1)
}

// EndReport marks the reporting role idle.
func (p *Pool) EndReport() {
	p.reporting.Add(-1)
}

// ActiveAgents counts agents currently deciding plus a busy reporting role.
func (p *Pool) ActiveAgents() int {
	n := int(p.active.Load())
	if p.reporting.Load() > 0 {
		n++
	}
	return n
}

// TotalAgents is the configured agent slots plus the reporting role.
func (p *Pool) TotalAgents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) + 1
}

// QueuedTasks is the number of tasks waiting for an agent.
func (p *Pool) QueuedTasks() int {
	return len(p.taskCh)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
