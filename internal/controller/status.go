package controller

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/report"
	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// GetStatus returns a point-in-time view of the job.
func (c *Coordinator) GetStatus(id types.JobID) (types.StatusSnapshot, error) {
	job, err := c.reg.Get(id)
	if err != nil {
		return types.StatusSnapshot{}, err
	}
	return types.SnapshotOf(job), nil
}

// ListStatus returns the status of every job, oldest first.
func (c *Coordinator) ListStatus() []types.StatusSnapshot {
	jobs := c.reg.List()
	out := make([]types.StatusSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, types.SnapshotOf(job))
	}
	return out
}

// GetAgentStatus returns pool-wide counts. Every status is present in
// JobsByStatus, with zero when no job has it.
func (c *Coordinator) GetAgentStatus() types.AgentStatus {
	byStatus := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		byStatus[s] = 0
	}
	for _, job := range c.reg.List() {
		byStatus[job.Status]++
	}

	return types.AgentStatus{
		TotalAgents:  c.cfg.Workers + 1,
		ActiveAgents: c.pool.ActiveAgents(),
		QueueLength:  int(c.waiting.Load()),
		QueuedTasks:  c.pool.QueuedTasks(),
		JobsByStatus: byStatus,
	}
}

// Summary returns the reporting role's aggregate of a Completed job.
func (c *Coordinator) Summary(id types.JobID) (types.Summary, error) {
	job, err := c.reg.Get(id)
	if err != nil {
		return types.Summary{}, err
	}
	if job.Status != types.StatusCompleted {
		return types.Summary{}, types.NewError(types.KindInvalidTransition, id, "summary",
			fmt.Errorf("job is %s, not completed", job.Status))
	}
	return report.Summarize(job, c.now()), nil
}

// Health is the document served by health endpoints.
type Health struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Jobs      int               `json:"jobs"`
	Agents    types.AgentStatus `json:"agents"`
	Store     string            `json:"store,omitempty"`
}

// Health reports whether the coordinator is serving.
func (c *Coordinator) Health() Health {
	c.mu.Lock()
	started, stopped, since := c.started, c.stopped, c.startTime
	c.mu.Unlock()

	status := "healthy"
	switch {
	case stopped:
		status = "stopped"
	case !started:
		status = "starting"
	}

	agents := c.GetAgentStatus()
	jobs := 0
	for _, n := range agents.JobsByStatus {
		jobs += n
	}

	h := Health{
		Status:    status,
		Timestamp: c.now().UTC(),
		Jobs:      jobs,
		Agents:    agents,
	}
	if started {
		h.Uptime = c.now().Sub(since).Round(time.Second).String()
	}
	return h
}

// Healthy reports whether Health would return "healthy".
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}
