package api

import (
	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	AgentID          string         `json:"agentId"`
	TTLSeconds       int64          `json:"ttlSeconds,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	InitialEntityIDs []string       `json:"initialEntityIds,omitempty"`
}

// AppendEventRequest is the body of POST /api/v1/sessions/:id/events.
// Seq and timestamp are allocated server-side.
type AppendEventRequest struct {
	Type            models.EventType        `json:"type"`
	Actor           string                  `json:"actor"`
	Changes         *models.ChangeInfo      `json:"changeInfo,omitempty"`
	StateTransition *models.StateTransition `json:"stateTransition,omitempty"`
	Impact          *models.Impact          `json:"impact,omitempty"`
	SkipTTLRefresh  bool                    `json:"skipTtlRefresh,omitempty"`
	SkipPublish     bool                    `json:"skipPublish,omitempty"`
}

// CheckpointRequest is the body of POST /api/v1/sessions/:id/checkpoint.
type CheckpointRequest struct {
	FailureSnapshot bool  `json:"failureSnapshot,omitempty"`
	GraceTTLSeconds int64 `json:"graceTtlSeconds,omitempty"`
}

// HeartbeatRequest is the body of POST /api/v1/agents/:id/heartbeat. An
// empty body is a plain liveness signal; status overrides the agent state.
type HeartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

// RollbackPointRequest is the body of POST /api/v1/rollback/points.
type RollbackPointRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RollbackRunRequest is the body of POST
// /api/v1/rollback/points/:id/rollback.
type RollbackRunRequest struct {
	Type           models.RollbackType         `json:"type,omitempty"`
	Strategy       models.RollbackStrategyKind `json:"strategy,omitempty"`
	ConflictPolicy config.ConflictPolicy       `json:"conflictPolicy,omitempty"`
	DryRun         bool                        `json:"dryRun,omitempty"`
	Selections     []models.PartialSelection   `json:"selections,omitempty"`
	TimeFilter     *models.TimebasedFilter     `json:"timebasedFilter,omitempty"`
}
