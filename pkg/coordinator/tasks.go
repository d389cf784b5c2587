package coordinator

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// TaskStore persists task documents as one hash per task plus two sorted
// sets: the queued pool scored by priority and the assigned pool scored
// by assignment time.
type TaskStore struct {
	pool *kv.Pool
}

// NewTaskStore creates a task store over the given pool
func NewTaskStore(pool *kv.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Put writes the task hash; queued tasks are also scored into the
// priority queue in the same pipeline.
func (s *TaskStore) Put(ctx context.Context, task *models.Task) error {
	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, taskKey(task.ID), taskFields(task))
		if task.Status == models.TaskStatusQueued {
			pipe.ZAdd(ctx, taskQueueKey, redis.Z{Score: float64(task.Priority), Member: task.ID})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return newError(CodeCoordinationFailed, task.ID, "failed to write task", err)
	}
	return nil
}

// Get loads one task document. Missing tasks fail with TASK_NOT_FOUND.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var fields map[string]string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		fields, err = f.HGetAll(ctx, taskKey(taskID))
		return err
	})
	if err != nil {
		return nil, newError(CodeCoordinationFailed, taskID, "failed to read task", err)
	}
	if len(fields) == 0 {
		return nil, newError(CodeTaskNotFound, taskID, "", nil)
	}
	return parseTask(taskID, fields)
}

// QueuedIDs returns queued task ids ordered by priority, lowest first
func (s *TaskStore) QueuedIDs(ctx context.Context) ([]string, error) {
	return s.queueMembers(ctx, taskQueueKey)
}

// AssignedIDs returns assigned task ids ordered by assignment time,
// oldest first.
func (s *TaskStore) AssignedIDs(ctx context.Context) ([]string, error) {
	return s.queueMembers(ctx, assignedQueueKey)
}

func (s *TaskStore) queueMembers(ctx context.Context, key string) ([]string, error) {
	var ids []string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		ids, err = f.ZRange(ctx, key, 0, -1)
		return err
	})
	if err != nil {
		return nil, newError(CodeCoordinationFailed, "", "failed to read task queue", err)
	}
	return ids, nil
}

// Counts reports the sizes of the queued and assigned pools
func (s *TaskStore) Counts(ctx context.Context) (queued, assigned int64, err error) {
	err = s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		if queued, err = f.ZCard(ctx, taskQueueKey); err != nil {
			return err
		}
		assigned, err = f.ZCard(ctx, assignedQueueKey)
		return err
	})
	if err != nil {
		return 0, 0, newError(CodeCoordinationFailed, "", "failed to size task queues", err)
	}
	return queued, assigned, nil
}

// taskFields flattens a task into its hash representation. Optional
// fields are written as empty strings so a rewrite after requeue clears
// any previous assignment.
func taskFields(t *models.Task) map[string]any {
	fields := map[string]any{
		"type":                 t.Type,
		"priority":             t.Priority,
		"sessionId":            t.SessionID,
		"requiredCapabilities": mustJSON(t.RequiredCapabilities),
		"estimatedDuration":    t.EstimatedDuration,
		"status":               string(t.Status),
		"createdAt":            t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempts":             t.Attempts,
		"maxAttempts":          t.MaxAttempts,
		"metadata":             mustJSON(t.Metadata),
		"assignedAgent":        t.AssignedAgent,
		"error":                t.Error,
	}
	fields["deadline"] = isoOrEmpty(t.Deadline)
	fields["assignedAt"] = isoOrEmpty(t.AssignedAt)
	fields["completedAt"] = isoOrEmpty(t.CompletedAt)
	if t.Result != nil {
		fields["result"] = mustJSON(t.Result)
	} else {
		fields["result"] = ""
	}
	return fields
}

// parseTask inflates a task from its hash fields
func parseTask(taskID string, fields map[string]string) (*models.Task, error) {
	task := &models.Task{
		ID:            taskID,
		Type:          fields["type"],
		SessionID:     fields["sessionId"],
		Status:        models.TaskStatus(fields["status"]),
		AssignedAgent: fields["assignedAgent"],
		Error:         fields["error"],
	}

	fail := func(field string, err error) error {
		return newError(CodeCoordinationFailed, taskID, "task field "+field+" does not decode", err)
	}

	if raw := fields["requiredCapabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.RequiredCapabilities); err != nil {
			return nil, fail("requiredCapabilities", err)
		}
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Metadata); err != nil {
			return nil, fail("metadata", err)
		}
	}
	if raw := fields["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Result); err != nil {
			return nil, fail("result", err)
		}
	}

	var err error
	if task.Priority, err = atoiField(fields, "priority"); err != nil {
		return nil, fail("priority", err)
	}
	if task.Attempts, err = atoiField(fields, "attempts"); err != nil {
		return nil, fail("attempts", err)
	}
	if task.MaxAttempts, err = atoiField(fields, "maxAttempts"); err != nil {
		return nil, fail("maxAttempts", err)
	}
	if task.EstimatedDuration, err = int64Field(fields, "estimatedDuration"); err != nil {
		return nil, fail("estimatedDuration", err)
	}

	if raw := fields["createdAt"]; raw != "" {
		if task.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fail("createdAt", err)
		}
	}
	if task.Deadline, err = isoPtrField(fields, "deadline"); err != nil {
		return nil, fail("deadline", err)
	}
	if task.AssignedAt, err = isoPtrField(fields, "assignedAt"); err != nil {
		return nil, fail("assignedAt", err)
	}
	if task.CompletedAt, err = isoPtrField(fields, "completedAt"); err != nil {
		return nil, fail("completedAt", err)
	}
	return task, nil
}

func int64Field(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func isoOrEmpty(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func isoPtrField(fields map[string]string, name string) (*time.Time, error) {
	raw := fields[name]
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
