// Package coordinator dispatches tasks across a fleet of registered
// agents over the shared KV store. It keeps an agent registry and two
// task pools (queued, assigned), ranks candidate agents with a pluggable
// selection strategy, detects dead agents by heartbeat age and requeues
// their work, and transfers sessions between agents on handoff.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// probeTimeout bounds the KV work a recovery probe may do once its
// timer fires.
const probeTimeout = 10 * time.Second

// errStillAlive aborts a death sentence when the agent heartbeat
// recovered between the sweep's read and the write.
var errStillAlive = errors.New("agent heartbeat recovered")

func sessionChannel(sessionID string) string { return "session:" + sessionID }

// recoveryPing is published on an agent's recovery channel when the
// liveness monitor declares it dead; a supervisor listening there can
// restart the agent process.
type recoveryPing struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator schedules tasks onto agents. One instance owns the
// scheduling state: every mutation of the queues or of agent load runs
// under its lock, so a tick never races a completion.
type Coordinator struct {
	pool     *kv.Pool
	cfg      *config.CoordinatorConfig
	registry *Registry
	tasks    *TaskStore
	strategy Strategy
	hub      *metrics.Hub

	// mu serializes queue and load mutations: ticks, completions,
	// failures, cancellations, sweeps, and handoffs.
	mu sync.Mutex

	// kick wakes the run loop for an immediate tick after submissions,
	// completions, and recoveries.
	kick chan struct{}

	probeMu sync.Mutex
	probes  map[string]*time.Timer
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator over the given pool. The
// configured strategy must be valid.
func NewCoordinator(pool *kv.Pool, cfg *config.CoordinatorConfig) (*Coordinator, error) {
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		pool:     pool,
		cfg:      cfg,
		registry: NewRegistry(pool),
		tasks:    NewTaskStore(pool),
		strategy: strategy,
		kick:     make(chan struct{}, 1),
		probes:   make(map[string]*time.Timer),
	}, nil
}

// AttachMetrics wires the metrics hub in. Without it the coordinator
// runs unobserved.
func (c *Coordinator) AttachMetrics(hub *metrics.Hub) {
	c.hub = hub
}

// Registry exposes the agent registry to callers that only read it
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Tasks exposes the task store to callers that only read it
func (c *Coordinator) Tasks() *TaskStore {
	return c.tasks
}

// Start launches the run loop: periodic scheduling ticks and heartbeat
// sweeps, plus immediate ticks on kicks. Stop with Close.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		schedule := time.NewTicker(c.cfg.ScheduleInterval)
		defer schedule.Stop()
		heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-schedule.C:
				c.runTick(ctx)
			case <-c.kick:
				c.runTick(ctx)
			case <-heartbeat.C:
				c.sweep(ctx)
			}
		}
	}()

	slog.Info("Coordinator started",
		"strategy", c.strategy.Name(),
		"schedule_interval", c.cfg.ScheduleInterval,
		"heartbeat_interval", c.cfg.HeartbeatInterval)
}

// Close stops the run loop and cancels pending recovery probes
func (c *Coordinator) Close() error {
	c.probeMu.Lock()
	c.closed = true
	for id, timer := range c.probes {
		timer.Stop()
		delete(c.probes, id)
	}
	c.probeMu.Unlock()

	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	return nil
}

func (c *Coordinator) runTick(ctx context.Context) {
	if _, err := c.ScheduleTick(ctx); err != nil {
		slog.Error("Scheduling tick failed", "error", err)
	}
}

// kickSchedule requests an immediate tick without blocking; a pending
// kick already covers this request.
func (c *Coordinator) kickSchedule() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// RegisterAgent adds an agent to the fleet. Absent limits fall back to
// the configured defaults; a fresh agent starts active with zero load.
func (c *Coordinator) RegisterAgent(ctx context.Context, req models.RegisterAgentRequest) (*models.Agent, error) {
	if req.ID == "" {
		return nil, NewValidationError("agent id is required")
	}
	if req.Type == "" {
		return nil, NewValidationError("agent type is required")
	}
	maxLoad := req.MaxLoad
	if maxLoad <= 0 {
		maxLoad = c.cfg.DefaultMaxLoad
	}

	agent := &models.Agent{
		ID:              req.ID,
		Type:            req.Type,
		Capabilities:    req.Capabilities,
		Priority:        req.Priority,
		MaxLoad:         maxLoad,
		Status:          models.AgentStatusActive,
		LastHeartbeat:   time.Now().UTC(),
		Metadata:        req.Metadata,
		CurrentSessions: []string{},
	}
	if err := c.registry.Put(ctx, agent); err != nil {
		return nil, err
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID,
		"type", agent.Type,
		"capabilities", agent.Capabilities,
		"max_load", agent.MaxLoad)
	c.kickSchedule()
	return agent, nil
}

// Heartbeat refreshes the agent's liveness timestamp and optionally
// overrides its status. A bare heartbeat does not revive a dead agent;
// the recovery probe or an explicit status change does.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string, status *models.AgentStatus) (*models.Agent, error) {
	if agentID == "" {
		return nil, NewValidationError("agent id is required")
	}
	if status != nil && !status.IsValid() {
		return nil, NewValidationError("invalid agent status %q", *status)
	}
	return c.registry.Update(ctx, agentID, func(a *models.Agent) error {
		a.LastHeartbeat = time.Now().UTC()
		if status != nil {
			a.Status = *status
		}
		return nil
	})
}

// GetAgent loads one agent document
func (c *Coordinator) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return c.registry.Get(ctx, agentID)
}

// ListAgents returns the fleet in priority order
func (c *Coordinator) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return c.registry.List(ctx)
}

// DeregisterAgent removes an agent after returning its assigned tasks
// to the queued pool.
func (c *Coordinator) DeregisterAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.registry.Get(ctx, agentID); err != nil {
		return err
	}
	requeued, err := c.requeueAssigned(ctx, agentID)
	if err != nil {
		return err
	}
	if err := c.registry.Remove(ctx, agentID); err != nil {
		return err
	}
	c.cancelProbe(agentID)

	slog.Info("Agent deregistered", "agent_id", agentID, "requeued_tasks", requeued)
	if requeued > 0 {
		c.kickSchedule()
	}
	return nil
}

// SubmitTask accepts a task into the queued pool and requests a tick
func (c *Coordinator) SubmitTask(ctx context.Context, req models.SubmitTaskRequest) (*models.Task, error) {
	if req.Type == "" {
		return nil, NewValidationError("task type is required")
	}
	if req.SessionID == "" {
		return nil, NewValidationError("task session id is required")
	}
	priority := req.Priority
	if priority <= 0 {
		priority = c.cfg.DefaultTaskPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.DefaultMaxAttempts
	}

	task := &models.Task{
		ID:                   "task-" + uuid.New().String(),
		Type:                 req.Type,
		Priority:             priority,
		SessionID:            req.SessionID,
		RequiredCapabilities: req.RequiredCapabilities,
		EstimatedDuration:    req.EstimatedDuration,
		Deadline:             req.Deadline,
		Status:               models.TaskStatusQueued,
		CreatedAt:            time.Now().UTC(),
		MaxAttempts:          maxAttempts,
		Metadata:             req.Metadata,
	}
	if err := c.tasks.Put(ctx, task); err != nil {
		return nil, err
	}

	c.hub.IncCounter("tasks_submitted_total", nil)
	c.refreshQueueGauge(ctx)
	slog.Info("Task submitted",
		"task_id", task.ID,
		"type", task.Type,
		"priority", task.Priority,
		"session_id", task.SessionID)
	c.kickSchedule()
	return task, nil
}

// GetTask loads one task document
func (c *Coordinator) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return c.tasks.Get(ctx, taskID)
}

// ScheduleTick assigns queued tasks to agents, highest priority first,
// and returns how many assignments it made. Tasks with no eligible
// agent stay queued for the next tick.
func (c *Coordinator) ScheduleTick(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agents, err := c.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := c.tasks.QueuedIDs(ctx)
	if err != nil {
		return 0, err
	}

	assigned := 0
	now := time.Now().UTC()
	// QueuedIDs is ascending by priority; walk it backwards.
	for i := len(ids) - 1; i >= 0; i-- {
		task, err := c.tasks.Get(ctx, ids[i])
		if err != nil {
			if IsTaskNotFound(err) {
				c.dropQueued(ctx, ids[i])
				continue
			}
			return assigned, err
		}
		if task.Status != models.TaskStatusQueued {
			c.dropQueued(ctx, task.ID)
			continue
		}

		candidates := candidatesFor(task, agents, now)
		if len(candidates) == 0 {
			continue
		}
		pick := c.strategy.Pick(task, candidates)
		if err := c.assign(ctx, task, pick); err != nil {
			return assigned, err
		}
		assigned++
	}

	c.refreshQueueGauge(ctx)
	return assigned, nil
}

// candidatesFor filters the fleet down to agents that may take the task
func candidatesFor(task *models.Task, agents []*models.Agent, now time.Time) []*models.Agent {
	var out []*models.Agent
	for _, a := range agents {
		if !a.Status.IsSchedulable() || a.Load >= a.MaxLoad {
			continue
		}
		if !a.HasCapabilities(task.RequiredCapabilities) {
			continue
		}
		if !deadlineRespected(task, a, now) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// deadlineRespected estimates whether the agent can finish before the
// task's deadline, using the task's own estimate or, absent one, the
// agent's rolling average duration.
func deadlineRespected(task *models.Task, a *models.Agent, now time.Time) bool {
	if task.Deadline == nil {
		return true
	}
	estimate := task.EstimatedDuration
	if estimate == 0 {
		estimate = int64(a.AverageTaskDuration)
	}
	return !now.Add(time.Duration(estimate) * time.Millisecond).After(*task.Deadline)
}

// assign moves the task from the queued to the assigned pool and charges
// the agent one unit of load, all in one pipeline. Each assignment
// counts as one attempt. The caller holds c.mu; the mutated agent struct
// is shared with the rest of the tick so later tasks see the new load.
func (c *Coordinator) assign(ctx context.Context, task *models.Task, agent *models.Agent) error {
	now := time.Now().UTC()
	task.Status = models.TaskStatusAssigned
	task.AssignedAgent = agent.ID
	task.AssignedAt = &now
	task.Attempts++

	agent.Load++
	if !slices.Contains(agent.CurrentSessions, task.SessionID) {
		agent.CurrentSessions = append(agent.CurrentSessions, task.SessionID)
	}
	if agent.Load >= agent.MaxLoad {
		agent.Status = models.AgentStatusBusy
	} else {
		agent.Status = models.AgentStatusActive
	}

	err := c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, taskKey(task.ID), taskFields(task))
		pipe.HSet(ctx, agentKey(agent.ID), agentFields(agent))
		pipe.ZRem(ctx, taskQueueKey, task.ID)
		pipe.ZAdd(ctx, assignedQueueKey, redis.Z{Score: float64(now.UnixMilli()), Member: task.ID})
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return newError(CodeCoordinationFailed, task.ID, "failed to persist assignment", err)
	}

	slog.Info("Task assigned",
		"task_id", task.ID,
		"agent_id", agent.ID,
		"attempt", task.Attempts,
		"agent_load", agent.Load)
	return nil
}

// dropQueued removes a stale queue entry without failing the tick
func (c *Coordinator) dropQueued(ctx context.Context, taskID string) {
	err := c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.ZRem(ctx, taskQueueKey, taskID)
	})
	if err != nil {
		slog.Warn("Failed to drop stale queue entry", "task_id", taskID, "error", err)
	}
}

// CompleteTask finishes an assigned task: the agent gives back one unit
// of load, its rolling average duration absorbs this run, and the
// scheduler gets a kick since capacity freed up.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string, result any) (*models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusRunning {
		return nil, newError(CodeTaskConflict, taskID, "task is not assigned", nil)
	}

	now := time.Now().UTC()
	var durationMs float64
	if task.AssignedAt != nil {
		durationMs = float64(now.Sub(*task.AssignedAt).Milliseconds())
	}
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result
	task.Error = ""

	agent, err := c.loadAssignee(ctx, task)
	if err != nil {
		return nil, err
	}
	if agent != nil {
		releaseAgent(agent, task.SessionID)
		n := float64(agent.TotalTasksCompleted)
		agent.AverageTaskDuration = (agent.AverageTaskDuration*n + durationMs) / (n + 1)
		agent.TotalTasksCompleted++
	}

	if err := c.settleTask(ctx, task, agent, false); err != nil {
		return nil, err
	}

	c.hub.IncCounter("tasks_completed_total", nil)
	slog.Info("Task completed",
		"task_id", task.ID,
		"agent_id", task.AssignedAgent,
		"duration_ms", durationMs)
	c.kickSchedule()
	return task, nil
}

// FailTask records a failed run. The agent's error rate absorbs the
// failure; the task is requeued while attempts remain, otherwise it is
// terminal. Attempts count assignments and survive the requeue, so
// maxAttempts bounds total assignments.
func (c *Coordinator) FailTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusRunning {
		return nil, newError(CodeTaskConflict, taskID, "task is not assigned", nil)
	}

	agent, err := c.loadAssignee(ctx, task)
	if err != nil {
		return nil, err
	}
	if agent != nil {
		releaseAgent(agent, task.SessionID)
		n := float64(agent.TotalTasksCompleted)
		agent.ErrorRate = (agent.ErrorRate*n + 1) / (n + 1)
	}

	requeue := task.Attempts < task.MaxAttempts
	failedAgent := task.AssignedAgent
	task.Error = reason
	if requeue {
		task.Status = models.TaskStatusQueued
		task.AssignedAgent = ""
		task.AssignedAt = nil
	} else {
		now := time.Now().UTC()
		task.Status = models.TaskStatusFailed
		task.CompletedAt = &now
	}

	if err := c.settleTask(ctx, task, agent, requeue); err != nil {
		return nil, err
	}

	c.hub.IncCounter("tasks_failed_total", metrics.Labels{"terminal": strconv.FormatBool(!requeue)})
	c.refreshQueueGauge(ctx)
	slog.Warn("Task failed",
		"task_id", task.ID,
		"agent_id", failedAgent,
		"attempts", task.Attempts,
		"max_attempts", task.MaxAttempts,
		"requeued", requeue,
		"reason", reason)
	if requeue {
		c.kickSchedule()
	}
	return task, nil
}

// CancelTask terminates a queued or assigned task. Cancelling releases
// the assignee's load but keeps the assignment fields for forensics.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, newError(CodeTaskConflict, taskID, "task already finished", nil)
	}

	wasQueued := task.Status == models.TaskStatusQueued
	var agent *models.Agent
	if !wasQueued {
		if agent, err = c.loadAssignee(ctx, task); err != nil {
			return nil, err
		}
		if agent != nil {
			releaseAgent(agent, task.SessionID)
		}
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now

	err = c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, taskKey(task.ID), taskFields(task))
		if agent != nil {
			pipe.HSet(ctx, agentKey(agent.ID), agentFields(agent))
		}
		if wasQueued {
			pipe.ZRem(ctx, taskQueueKey, task.ID)
		} else {
			pipe.ZRem(ctx, assignedQueueKey, task.ID)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, newError(CodeCoordinationFailed, taskID, "failed to cancel task", err)
	}

	c.refreshQueueGauge(ctx)
	slog.Info("Task cancelled", "task_id", task.ID, "was_queued", wasQueued)
	return task, nil
}

// loadAssignee reads the task's agent; a missing agent (deregistered or
// collected) degrades to a task-only settle.
func (c *Coordinator) loadAssignee(ctx context.Context, task *models.Task) (*models.Agent, error) {
	if task.AssignedAgent == "" {
		return nil, nil
	}
	agent, err := c.registry.Get(ctx, task.AssignedAgent)
	if err != nil {
		if IsAgentNotFound(err) {
			slog.Warn("Settling task for unknown agent",
				"task_id", task.ID, "agent_id", task.AssignedAgent)
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// settleTask persists a task leaving the assigned pool plus the agent
// it charged, in one pipeline. With requeue set the task re-enters the
// queued pool.
func (c *Coordinator) settleTask(ctx context.Context, task *models.Task, agent *models.Agent, requeue bool) error {
	err := c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, taskKey(task.ID), taskFields(task))
		if agent != nil {
			pipe.HSet(ctx, agentKey(agent.ID), agentFields(agent))
		}
		pipe.ZRem(ctx, assignedQueueKey, task.ID)
		if requeue {
			pipe.ZAdd(ctx, taskQueueKey, redis.Z{Score: float64(task.Priority), Member: task.ID})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return newError(CodeCoordinationFailed, task.ID, "failed to settle task", err)
	}
	return nil
}

// releaseAgent gives back one unit of load after a task leaves the agent
func releaseAgent(a *models.Agent, sessionID string) {
	if a.Load > 0 {
		a.Load--
	}
	a.CurrentSessions = slices.DeleteFunc(a.CurrentSessions, func(s string) bool {
		return s == sessionID
	})
	if a.Status == models.AgentStatusBusy && a.Load < a.MaxLoad {
		a.Status = models.AgentStatusActive
	}
}

// sweep scans the fleet for agents whose heartbeat aged past the
// timeout, declares them dead, and requeues their assigned tasks. Each
// death requeues exactly once: a dead agent is skipped on later sweeps
// and its tasks no longer reference it.
func (c *Coordinator) sweep(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agents, err := c.registry.List(ctx)
	if err != nil {
		slog.Error("Heartbeat sweep failed", "error", err)
		return
	}

	now := time.Now().UTC()
	dead := 0
	died := false
	for _, a := range agents {
		if a.Status == models.AgentStatusDead {
			dead++
			continue
		}
		if now.Sub(a.LastHeartbeat) <= c.cfg.HeartbeatTimeout {
			continue
		}
		ok, err := c.markAgentDead(ctx, a.ID, now)
		if err != nil {
			slog.Error("Failed to mark agent dead", "agent_id", a.ID, "error", err)
			continue
		}
		if ok {
			dead++
			died = true
		}
	}

	c.hub.SetGauge("dead_agents", nil, float64(dead))
	if died {
		c.kickSchedule()
	}
}

// markAgentDead flips the agent to dead, zeroes its load, requeues its
// assigned work, publishes a recovery ping, and schedules the recovery
// probe. Returns false when the agent turned out to be alive after all.
func (c *Coordinator) markAgentDead(ctx context.Context, agentID string, now time.Time) (bool, error) {
	_, err := c.registry.Update(ctx, agentID, func(a *models.Agent) error {
		if a.Status == models.AgentStatusDead {
			return errStillAlive
		}
		if now.Sub(a.LastHeartbeat) <= c.cfg.HeartbeatTimeout {
			return errStillAlive
		}
		a.Status = models.AgentStatusDead
		a.Load = 0
		a.CurrentSessions = []string{}
		return nil
	})
	if err != nil {
		if errors.Is(err, errStillAlive) {
			return false, nil
		}
		return false, err
	}

	requeued, err := c.requeueAssigned(ctx, agentID)
	if err != nil {
		return true, err
	}
	c.publishRecoveryPing(ctx, agentID, now)
	c.scheduleProbe(agentID)

	slog.Warn("Agent declared dead",
		"agent_id", agentID,
		"requeued_tasks", requeued,
		"heartbeat_timeout", c.cfg.HeartbeatTimeout)
	return true, nil
}

// requeueAssigned returns every task assigned to the agent to the
// queued pool. Attempts are left as counted at assignment time.
func (c *Coordinator) requeueAssigned(ctx context.Context, agentID string) (int, error) {
	ids, err := c.tasks.AssignedIDs(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		task, err := c.tasks.Get(ctx, id)
		if err != nil {
			if IsTaskNotFound(err) {
				continue
			}
			return requeued, err
		}
		if task.AssignedAgent != agentID {
			continue
		}
		if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusRunning {
			continue
		}

		task.Status = models.TaskStatusQueued
		task.AssignedAgent = ""
		task.AssignedAt = nil
		if err := c.settleTask(ctx, task, nil, true); err != nil {
			return requeued, err
		}
		requeued++
	}

	c.refreshQueueGauge(ctx)
	return requeued, nil
}

// publishRecoveryPing tells whoever supervises the agent that it was
// declared dead. Best effort; scheduling works without listeners.
func (c *Coordinator) publishRecoveryPing(ctx context.Context, agentID string, now time.Time) {
	payload := mustJSON(recoveryPing{Type: "recovery", AgentID: agentID, Timestamp: now})
	err := c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.Publish(ctx, recoveryChannel(agentID), payload)
	})
	if err != nil {
		slog.Warn("Failed to publish recovery ping", "agent_id", agentID, "error", err)
	}
}

// scheduleProbe arms the recovery probe for a freshly dead agent
func (c *Coordinator) scheduleProbe(agentID string) {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if c.closed {
		return
	}
	if timer, ok := c.probes[agentID]; ok {
		timer.Stop()
	}
	c.probes[agentID] = time.AfterFunc(c.cfg.RecoveryDelay, func() {
		c.probeMu.Lock()
		delete(c.probes, agentID)
		closed := c.closed
		c.probeMu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		c.probeAgent(ctx, agentID)
	})
}

func (c *Coordinator) cancelProbe(agentID string) {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if timer, ok := c.probes[agentID]; ok {
		timer.Stop()
		delete(c.probes, agentID)
	}
}

// probeAgent checks a dead agent after the recovery delay: an agent
// whose heartbeats resumed comes back as idle, otherwise it stays dead
// until deregistration or a manual status change.
func (c *Coordinator) probeAgent(ctx context.Context, agentID string) {
	agent, err := c.registry.Get(ctx, agentID)
	if err != nil {
		if !IsAgentNotFound(err) {
			slog.Warn("Recovery probe failed", "agent_id", agentID, "error", err)
		}
		return
	}
	if agent.Status != models.AgentStatusDead {
		return
	}
	if time.Since(agent.LastHeartbeat) > c.cfg.HeartbeatTimeout {
		slog.Info("Agent still silent after recovery delay", "agent_id", agentID)
		return
	}

	_, err = c.registry.Update(ctx, agentID, func(a *models.Agent) error {
		if a.Status != models.AgentStatusDead {
			return nil
		}
		a.Status = models.AgentStatusIdle
		return nil
	})
	if err != nil {
		slog.Warn("Failed to revive agent", "agent_id", agentID, "error", err)
		return
	}
	slog.Info("Agent recovered", "agent_id", agentID)
	c.kickSchedule()
}

// InitiateHandoff transfers a session between two agents: the session
// id and one unit of load move from one agent document to the other in
// a single pipeline, and the handoff document records the transfer.
// Callers fill SessionID, FromAgent, ToAgent, and optionally Reason,
// Context, Priority, and EstimatedDuration.
func (c *Coordinator) InitiateHandoff(ctx context.Context, req models.Handoff) (*models.Handoff, error) {
	if req.SessionID == "" {
		return nil, NewValidationError("handoff session id is required")
	}
	if req.FromAgent == "" || req.ToAgent == "" {
		return nil, NewValidationError("handoff requires both agents")
	}
	if req.FromAgent == req.ToAgent {
		return nil, NewValidationError("handoff requires two distinct agents")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from, err := c.registry.Get(ctx, req.FromAgent)
	if err != nil {
		return nil, err
	}
	to, err := c.registry.Get(ctx, req.ToAgent)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from.CurrentSessions, req.SessionID) {
		return nil, newError(CodeHandoffFailed, req.SessionID, "agent "+from.ID+" does not hold the session", nil)
	}
	if !to.Status.IsSchedulable() || to.Load >= to.MaxLoad {
		return nil, newError(CodeAgentUnavailable, to.ID, "agent cannot accept the session", nil)
	}

	releaseAgent(from, req.SessionID)
	to.CurrentSessions = append(to.CurrentSessions, req.SessionID)
	to.Load++
	if to.Load >= to.MaxLoad {
		to.Status = models.AgentStatusBusy
	} else {
		to.Status = models.AgentStatusActive
	}

	handoff := req
	handoff.ID = "handoff-" + uuid.New().String()
	handoff.Timestamp = time.Now().UTC()

	err = c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, agentKey(from.ID), agentFields(from))
		pipe.HSet(ctx, agentKey(to.ID), agentFields(to))
		pipe.HSet(ctx, handoffKey(handoff.ID), handoffFields(&handoff))
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, newError(CodeHandoffFailed, req.SessionID, "failed to persist handoff", err)
	}

	env := models.Envelope{
		Type:      models.EnvelopeTypeHandoff,
		SessionID: req.SessionID,
		Actor:     to.ID,
		Summary:   req.Reason,
	}
	pubErr := c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.Publish(ctx, sessionChannel(req.SessionID), mustJSON(env))
	})
	if pubErr != nil {
		slog.Warn("Failed to publish handoff", "session_id", req.SessionID, "error", pubErr)
	}

	c.hub.IncCounter("handoffs_total", nil)
	slog.Info("Session handed off",
		"session_id", req.SessionID,
		"from_agent", from.ID,
		"to_agent", to.ID,
		"handoff_id", handoff.ID)
	return &handoff, nil
}

// Handoff loads one handoff record
func (c *Coordinator) Handoff(ctx context.Context, handoffID string) (*models.Handoff, error) {
	var fields map[string]string
	err := c.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		fields, err = f.HGetAll(ctx, handoffKey(handoffID))
		return err
	})
	if err != nil {
		return nil, newError(CodeCoordinationFailed, handoffID, "failed to read handoff", err)
	}
	if len(fields) == 0 {
		return nil, newError(CodeHandoffNotFound, handoffID, "", nil)
	}
	return parseHandoff(handoffID, fields)
}

// AgentStats summarizes the fleet for the metrics hub
func (c *Coordinator) AgentStats(ctx context.Context) metrics.AgentStats {
	agents, err := c.registry.List(ctx)
	if err != nil {
		slog.Warn("Failed to sample agent stats", "error", err)
		return metrics.AgentStats{}
	}

	stats := metrics.AgentStats{Total: len(agents)}
	var loadSum float64
	for _, a := range agents {
		loadSum += float64(a.Load)
		switch a.Status {
		case models.AgentStatusActive:
			stats.Active++
		case models.AgentStatusBusy:
			stats.Busy++
		case models.AgentStatusDead:
			stats.Dead++
		}
	}
	if len(agents) > 0 {
		stats.AverageLoad = loadSum / float64(len(agents))
	}
	return stats
}

// QueueStats reports the queued and assigned pool sizes
func (c *Coordinator) QueueStats(ctx context.Context) (queued, assigned int64, err error) {
	return c.tasks.Counts(ctx)
}

// refreshQueueGauge resamples tasks_queued; skipped without a hub so
// unobserved deployments avoid the extra read.
func (c *Coordinator) refreshQueueGauge(ctx context.Context) {
	if c.hub == nil {
		return
	}
	queued, _, err := c.tasks.Counts(ctx)
	if err != nil {
		return
	}
	c.hub.SetGauge("tasks_queued", nil, float64(queued))
}

// handoffFields flattens a handoff into its hash representation
func handoffFields(h *models.Handoff) map[string]any {
	return map[string]any{
		"sessionId":         h.SessionID,
		"fromAgent":         h.FromAgent,
		"toAgent":           h.ToAgent,
		"reason":            h.Reason,
		"context":           mustJSON(h.Context),
		"timestamp":         h.Timestamp.UTC().Format(time.RFC3339Nano),
		"priority":          h.Priority,
		"estimatedDuration": h.EstimatedDuration,
	}
}

// parseHandoff inflates a handoff from its hash fields
func parseHandoff(handoffID string, fields map[string]string) (*models.Handoff, error) {
	h := &models.Handoff{
		ID:        handoffID,
		SessionID: fields["sessionId"],
		FromAgent: fields["fromAgent"],
		ToAgent:   fields["toAgent"],
		Reason:    fields["reason"],
	}

	fail := func(field string, err error) error {
		return newError(CodeCoordinationFailed, handoffID, "handoff field "+field+" does not decode", err)
	}

	if raw := fields["context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.Context); err != nil {
			return nil, fail("context", err)
		}
	}
	if raw := fields["timestamp"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fail("timestamp", err)
		}
		h.Timestamp = ts
	}

	var err error
	if h.Priority, err = atoiField(fields, "priority"); err != nil {
		return nil, fail("priority", err)
	}
	if h.EstimatedDuration, err = int64Field(fields, "estimatedDuration"); err != nil {
		return nil, fail("estimatedDuration", err)
	}
	return h, nil
}
