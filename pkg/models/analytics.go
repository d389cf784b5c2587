package models

import "time"

// TransitionReason classifies why a pair of adjacent events counts as a
// meaningful transition.
type TransitionReason string

const (
	// TransitionReasonStateRegression is a working -> broken flip
	TransitionReasonStateRegression TransitionReason = "state_regression"
	// TransitionReasonTestBreak is a test_pass followed by a broke event
	TransitionReasonTestBreak TransitionReason = "test_break"
	// TransitionReasonHighImpact is a high or critical severity change
	TransitionReasonHighImpact TransitionReason = "high_impact"
	// TransitionReasonPerfRegression is a perf delta below the threshold
	TransitionReasonPerfRegression TransitionReason = "perf_regression"
)

// TransitionResult is one detected transition between adjacent events
type TransitionResult struct {
	SessionID string           `json:"sessionId"`
	FromSeq   int64            `json:"fromSeq"`
	ToSeq     int64            `json:"toSeq"`
	Reason    TransitionReason `json:"reason"`
	Actor     string           `json:"actor,omitempty"`
	EntityIDs []string         `json:"entityIds,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Context   []map[string]any `json:"context,omitempty"` // KG rows, opaque
}

// SessionAnchor is the per-entity record of a session that touched it,
// kept in the knowledge graph under the entity's metadata.
type SessionAnchor struct {
	SessionID    string            `json:"sessionId"`
	Outcome      CheckpointOutcome `json:"outcome"`
	CheckpointID string            `json:"checkpointId,omitempty"`
	PerfDelta    float64           `json:"perfDelta,omitempty"`
	Actors       []string          `json:"actors,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// IsolationResult is the slice of a session attributable to a single agent
type IsolationResult struct {
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	Events    []SessionEvent  `json:"events"`
	Anchors   []SessionAnchor `json:"anchors,omitempty"`
	PerfDelta float64         `json:"perfDelta"`
}

// HandoffContextResult packages what a joining agent needs to know
type HandoffContextResult struct {
	SessionID    string           `json:"sessionId"`
	JoiningAgent string           `json:"joiningAgent"`
	RecentEvents []SessionEvent   `json:"recentEvents"`
	EntityRows   []map[string]any `json:"entityContext,omitempty"` // KG rows, opaque
	ActiveAgents []string         `json:"activeAgents"`
	Warnings     []string         `json:"warnings,omitempty"`
	Advisory     string           `json:"advisory"`
}

// EntitySessionSource says where an entity-session association was found
type EntitySessionSource string

const (
	// EntitySessionSourceKG means the session was anchored onto the entity
	// by a checkpoint
	EntitySessionSourceKG EntitySessionSource = "kg"
	// EntitySessionSourceActive means a live session's recent events
	// reference the entity
	EntitySessionSourceActive EntitySessionSource = "active"
)

// EntitySession is one session known to have touched an entity. KG hits
// carry an outcome; active hits carry the live state. A session found in
// both keeps the KG source with the live state filled in.
type EntitySession struct {
	SessionID string              `json:"sessionId"`
	Source    EntitySessionSource `json:"source"`
	Outcome   CheckpointOutcome   `json:"outcome,omitempty"`
	State     SessionState        `json:"state,omitempty"`
	Agents    []string            `json:"agents,omitempty"`
	PerfDelta float64             `json:"perfDelta,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// SessionsByEntityOptions filters QuerySessionsByEntity results
type SessionsByEntityOptions struct {
	AgentID       string
	State         SessionState
	IncludeActive bool
}

// PerfImpact aggregates performance deltas over a set of sessions
type PerfImpact struct {
	Total float64 `json:"total"`
	Avg   float64 `json:"avg"`
	Worst float64 `json:"worst"`
}

// EntityAggregate is the per-entity slice of an aggregate query
type EntityAggregate struct {
	EntityID   string         `json:"entityId"`
	Sessions   int            `json:"sessions"`
	Outcomes   map[string]int `json:"outcomes,omitempty"`
	PerfImpact PerfImpact     `json:"perfImpact"`
}

// SessionAggregates is the cross-entity rollup the bridge produces
type SessionAggregates struct {
	EntityIDs    []string                   `json:"entityIds"`
	Sessions     int                        `json:"sessions"`
	ActiveAgents int                        `json:"activeAgents"`
	Outcomes     map[string]int             `json:"outcomes"`
	PerfImpact   PerfImpact                 `json:"perfImpact"`
	PerEntity    map[string]EntityAggregate `json:"perEntity,omitempty"`
}
