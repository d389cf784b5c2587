package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

const (
	agentQueueKey    = "agent:priority:queue"
	taskQueueKey     = "task:priority:queue"
	assignedQueueKey = "task:assigned:queue"
)

func agentKey(agentID string) string { return "agent:" + agentID }

func taskKey(taskID string) string { return "task:" + taskID }

func handoffKey(handoffID string) string { return "handoff:" + handoffID }

// recoveryChannel is where the liveness monitor publishes pings for a
// dead agent; a supervisor listening there can restart it.
func recoveryChannel(agentID string) string { return "agent:" + agentID + ":recovery" }

// Registry persists agent documents as one hash per agent plus a sorted
// set indexing the fleet by priority.
type Registry struct {
	pool *kv.Pool
}

// NewRegistry creates an agent registry over the given pool
func NewRegistry(pool *kv.Pool) *Registry {
	return &Registry{pool: pool}
}

// Put inserts a new agent. Fails with AGENT_EXISTS when the id is taken.
func (r *Registry) Put(ctx context.Context, agent *models.Agent) error {
	err := r.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		n, err := f.Exists(ctx, agentKey(agent.ID))
		if err != nil {
			return err
		}
		if n > 0 {
			return newError(CodeAgentExists, agent.ID, "", nil)
		}
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, agentKey(agent.ID), agentFields(agent))
		pipe.ZAdd(ctx, agentQueueKey, redis.Z{Score: float64(agent.Priority), Member: agent.ID})
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		var ce *CoordinationError
		if errors.As(err, &ce) {
			return ce
		}
		return newError(CodeCoordinationFailed, agent.ID, "failed to register agent", err)
	}
	return nil
}

// Get loads one agent document. Missing agents fail with AGENT_NOT_FOUND.
func (r *Registry) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	var fields map[string]string
	err := r.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		fields, err = f.HGetAll(ctx, agentKey(agentID))
		return err
	})
	if err != nil {
		return nil, newError(CodeCoordinationFailed, agentID, "failed to read agent", err)
	}
	if len(fields) == 0 {
		return nil, newError(CodeAgentNotFound, agentID, "", nil)
	}
	return parseAgent(agentID, fields)
}

// Update applies mutate to the agent under a single connection so
// concurrent read-modify-write cycles cannot lose each other's changes.
// The updated document is returned.
func (r *Registry) Update(ctx context.Context, agentID string, mutate func(*models.Agent) error) (*models.Agent, error) {
	var agent *models.Agent
	err := r.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		fields, err := f.HGetAll(ctx, agentKey(agentID))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return newError(CodeAgentNotFound, agentID, "", nil)
		}
		agent, err = parseAgent(agentID, fields)
		if err != nil {
			return err
		}
		if err := mutate(agent); err != nil {
			return err
		}
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, agentKey(agentID), agentFields(agent))
		pipe.ZAdd(ctx, agentQueueKey, redis.Z{Score: float64(agent.Priority), Member: agentID})
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		var ce *CoordinationError
		if errors.As(err, &ce) {
			return nil, ce
		}
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, newError(CodeCoordinationFailed, agentID, "failed to update agent", err)
	}
	return agent, nil
}

// Remove deletes the agent document and its priority index entry
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	err := r.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		if err := f.ZRem(ctx, agentQueueKey, agentID); err != nil {
			return err
		}
		return f.Del(ctx, agentKey(agentID))
	})
	if err != nil {
		return newError(CodeCoordinationFailed, agentID, "failed to remove agent", err)
	}
	return nil
}

// List returns every registered agent in priority order, lowest first.
// Agents deregistered between the index read and the hash read are
// skipped.
func (r *Registry) List(ctx context.Context) ([]*models.Agent, error) {
	var ids []string
	err := r.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		ids, err = f.ZRange(ctx, agentQueueKey, 0, -1)
		return err
	})
	if err != nil {
		return nil, newError(CodeCoordinationFailed, "", "failed to list agents", err)
	}

	agents := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.Get(ctx, id)
		if err != nil {
			if IsAgentNotFound(err) {
				continue
			}
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// agentFields flattens an agent into its hash representation
func agentFields(a *models.Agent) map[string]any {
	return map[string]any{
		"type":                a.Type,
		"capabilities":        mustJSON(a.Capabilities),
		"priority":            a.Priority,
		"load":                a.Load,
		"maxLoad":             a.MaxLoad,
		"status":              string(a.Status),
		"lastHeartbeat":       a.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"metadata":            mustJSON(a.Metadata),
		"currentSessions":     mustJSON(a.CurrentSessions),
		"totalTasksCompleted": a.TotalTasksCompleted,
		"averageTaskDuration": a.AverageTaskDuration,
		"errorRate":           a.ErrorRate,
	}
}

// parseAgent inflates an agent from its hash fields
func parseAgent(agentID string, fields map[string]string) (*models.Agent, error) {
	agent := &models.Agent{
		ID:     agentID,
		Type:   fields["type"],
		Status: models.AgentStatus(fields["status"]),
	}

	fail := func(field string, err error) error {
		return newError(CodeCoordinationFailed, agentID, "agent field "+field+" does not decode", err)
	}

	if raw := fields["capabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &agent.Capabilities); err != nil {
			return nil, fail("capabilities", err)
		}
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &agent.Metadata); err != nil {
			return nil, fail("metadata", err)
		}
	}
	if raw := fields["currentSessions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &agent.CurrentSessions); err != nil {
			return nil, fail("currentSessions", err)
		}
	}
	if raw := fields["lastHeartbeat"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fail("lastHeartbeat", err)
		}
		agent.LastHeartbeat = ts
	}

	var err error
	if agent.Priority, err = atoiField(fields, "priority"); err != nil {
		return nil, fail("priority", err)
	}
	if agent.Load, err = atoiField(fields, "load"); err != nil {
		return nil, fail("load", err)
	}
	if agent.MaxLoad, err = atoiField(fields, "maxLoad"); err != nil {
		return nil, fail("maxLoad", err)
	}
	if agent.TotalTasksCompleted, err = atoiField(fields, "totalTasksCompleted"); err != nil {
		return nil, fail("totalTasksCompleted", err)
	}
	if agent.AverageTaskDuration, err = floatField(fields, "averageTaskDuration"); err != nil {
		return nil, fail("averageTaskDuration", err)
	}
	if agent.ErrorRate, err = floatField(fields, "errorRate"); err != nil {
		return nil, fail("errorRate", err)
	}
	return agent, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func floatField(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// mustJSON marshals v, panicking on the unreachable failure path; every
// value stored here is built from plain maps, slices, and scalars.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
