package models

import "time"

// SessionState is the lifecycle state of a session document
type SessionState string

const (
	// SessionStateWorking means the session is progressing normally
	SessionStateWorking SessionState = "working"
	// SessionStateBroken means a verified regression is present
	SessionStateBroken SessionState = "broken"
	// SessionStateCoordinating means multiple agents are negotiating work
	SessionStateCoordinating SessionState = "coordinating"
	// SessionStateCompleted is terminal; no further events are appended
	SessionStateCompleted SessionState = "completed"
)

// IsValid checks if the session state is valid
func (s SessionState) IsValid() bool {
	switch s {
	case SessionStateWorking, SessionStateBroken, SessionStateCoordinating, SessionStateCompleted:
		return true
	default:
		return false
	}
}

// EventType classifies a session event
type EventType string

const (
	EventTypeStart      EventType = "start"
	EventTypeModified   EventType = "modified"
	EventTypeBroke      EventType = "broke"
	EventTypeTestPass   EventType = "test_pass"
	EventTypeCheckpoint EventType = "checkpoint"
	EventTypeHandoff    EventType = "handoff"
)

// IsValid checks if the event type is valid
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeStart, EventTypeModified, EventTypeBroke, EventTypeTestPass, EventTypeCheckpoint, EventTypeHandoff:
		return true
	default:
		return false
	}
}

// Severity grades the blast radius of a change
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ChangeInfo describes the entities an event touched and how
type ChangeInfo struct {
	EntityIDs []string `json:"entityIds,omitempty"`
	Operation string   `json:"operation,omitempty"` // created|modified|deleted|renamed|tested
}

// StateTransition records a verified session state change carried by an event
type StateTransition struct {
	From       SessionState `json:"from"`
	To         SessionState `json:"to"`
	VerifiedBy string       `json:"verifiedBy,omitempty"`
	Confidence float64      `json:"confidence,omitempty"` // 0..1
}

// Impact carries the assessed consequences of an event
type Impact struct {
	Severity    Severity `json:"severity,omitempty"`
	TestsFailed []string `json:"testsFailed,omitempty"`
	PerfDelta   float64  `json:"perfDelta,omitempty"`
}

// SessionEvent is one immutable record in a session's ordered log.
// Seq is 1-based and strictly increasing within a session; the manager
// allocates it, callers never do.
type SessionEvent struct {
	Seq             int64            `json:"seq"`
	Timestamp       time.Time        `json:"timestamp"`
	Type            EventType        `json:"type"`
	Actor           string           `json:"actor"`
	Changes         *ChangeInfo      `json:"changeInfo,omitempty"`
	StateTransition *StateTransition `json:"stateTransition,omitempty"`
	Impact          *Impact          `json:"impact,omitempty"`
}

// Session is the stored session document plus, when loaded, its recent events
type Session struct {
	ID           string         `json:"sessionId"`
	AgentIDs     []string       `json:"agentIds"`
	State        SessionState   `json:"state"`
	Events       int64          `json:"events"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RecentEvents []SessionEvent `json:"recentEvents,omitempty"`
}

// HasAgent reports whether agentID participates in the session
func (s *Session) HasAgent(agentID string) bool {
	for _, id := range s.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// CheckpointOutcome is the aggregated verdict of a checkpoint window
type CheckpointOutcome string

const (
	CheckpointOutcomeWorking     CheckpointOutcome = "working"
	CheckpointOutcomeBroken      CheckpointOutcome = "broken"
	CheckpointOutcomeCoordinated CheckpointOutcome = "coordinated"
	CheckpointOutcomeCompleted   CheckpointOutcome = "completed"
)

// Checkpoint summarizes the tail of a session for anchoring and resumption
type Checkpoint struct {
	ID         string            `json:"checkpointId"`
	SessionID  string            `json:"sessionId"`
	Outcome    CheckpointOutcome `json:"outcome"`
	KeyImpacts []string          `json:"keyImpacts,omitempty"`
	PerfDelta  float64           `json:"perfDelta"`
	Actors     []string          `json:"actors,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// CreateSessionOptions tunes session creation
type CreateSessionOptions struct {
	TTL              time.Duration
	Metadata         map[string]any
	InitialEntityIDs []string
}

// EmitOptions tunes a single event emission. The zero value refreshes the
// session TTL and publishes to subscribers, matching the default behavior.
type EmitOptions struct {
	SkipTTLRefresh bool
	SkipPublish    bool
	SkipCheckpoint bool
}

// CheckpointOptions tunes checkpoint materialization
type CheckpointOptions struct {
	FailureSnapshot bool
	GraceTTL        time.Duration // overrides the configured grace TTL when > 0
}

// Envelope is the pub/sub message published on session and global channels.
// JSON, no framing.
type Envelope struct {
	Type         string `json:"type"` // new|modified|checkpoint_complete|handoff
	SessionID    string `json:"sessionId"`
	Seq          int64  `json:"seq,omitempty"`
	Actor        string `json:"actor,omitempty"`
	CheckpointID string `json:"checkpointId,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// Envelope types published on session and global channels
const (
	EnvelopeTypeNew                = "new"
	EnvelopeTypeModified           = "modified"
	EnvelopeTypeCheckpointComplete = "checkpoint_complete"
	EnvelopeTypeHandoff            = "handoff"
)

// SessionStats aggregates a sampled view of the live session population.
// TotalEvents and ApproxMemoryBytes are estimates derived from at most
// SampledSessions session documents.
type SessionStats struct {
	ActiveSessions    int   `json:"activeSessions"`
	TotalEvents       int64 `json:"totalEvents"`
	UniqueAgents      int   `json:"uniqueAgents"`
	ApproxMemoryBytes int64 `json:"approxMemoryBytes"`
	SampledSessions   int   `json:"sampledSessions"`
}
