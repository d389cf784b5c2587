package models

import "time"

// SnapshotType is the slice of state a snapshot captures
type SnapshotType string

const (
	SnapshotTypeEntity        SnapshotType = "entity"
	SnapshotTypeRelationship  SnapshotType = "relationship"
	SnapshotTypeFile          SnapshotType = "file"
	SnapshotTypeConfiguration SnapshotType = "configuration"
	SnapshotTypeSessionState  SnapshotType = "session_state"
	SnapshotTypeMetadata      SnapshotType = "metadata"
)

// IsValid checks if the snapshot type is valid
func (t SnapshotType) IsValid() bool {
	switch t {
	case SnapshotTypeEntity, SnapshotTypeRelationship, SnapshotTypeFile,
		SnapshotTypeConfiguration, SnapshotTypeSessionState, SnapshotTypeMetadata:
		return true
	default:
		return false
	}
}

// RollbackPoint is a named marker owning typed snapshots of state at a
// moment in time. Points expire at ExpiresAt unless deleted first.
type RollbackPoint struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SnapshotIDs []string       `json:"snapshotIds,omitempty"`
}

// Snapshot is a checksummed, canonicalized capture of one typed slice of
// state. Checksum, when set, is the SHA-256 hex digest of the canonical
// serialization of Data.
type Snapshot struct {
	ID              string       `json:"id"`
	RollbackPointID string       `json:"rollbackPointId"`
	Type            SnapshotType `json:"type"`
	Data            any          `json:"data"`
	Size            int64        `json:"size"`
	CreatedAt       time.Time    `json:"createdAt"`
	Checksum        string       `json:"checksum,omitempty"`
}

// RollbackType scopes what an operation restores
type RollbackType string

const (
	RollbackTypeFull      RollbackType = "full"
	RollbackTypePartial   RollbackType = "partial"
	RollbackTypeSelective RollbackType = "selective"
	RollbackTypeDryRun    RollbackType = "dry_run"
)

// IsValid checks if the rollback type is valid
func (t RollbackType) IsValid() bool {
	switch t {
	case RollbackTypeFull, RollbackTypePartial, RollbackTypeSelective, RollbackTypeDryRun:
		return true
	default:
		return false
	}
}

// RollbackStrategyKind names how an operation executes. The first four are
// selectable by callers; the rest are internal strategies bound to
// operation types.
type RollbackStrategyKind string

const (
	RollbackStrategyImmediate RollbackStrategyKind = "immediate"
	RollbackStrategyGradual   RollbackStrategyKind = "gradual"
	RollbackStrategySafe      RollbackStrategyKind = "safe"
	RollbackStrategyForce     RollbackStrategyKind = "force"
	RollbackStrategyPartial   RollbackStrategyKind = "partial"
	RollbackStrategyTimeBased RollbackStrategyKind = "time-based"
	RollbackStrategyDryRun    RollbackStrategyKind = "dry-run"
)

// IsValid checks if the strategy kind is valid
func (k RollbackStrategyKind) IsValid() bool {
	switch k {
	case RollbackStrategyImmediate, RollbackStrategyGradual, RollbackStrategySafe,
		RollbackStrategyForce, RollbackStrategyPartial, RollbackStrategyTimeBased,
		RollbackStrategyDryRun:
		return true
	default:
		return false
	}
}

// IsCallerSelectable reports whether a rollback request may name this
// strategy directly.
func (k RollbackStrategyKind) IsCallerSelectable() bool {
	switch k {
	case RollbackStrategyImmediate, RollbackStrategyGradual, RollbackStrategySafe, RollbackStrategyForce:
		return true
	default:
		return false
	}
}

// OperationStatus is the lifecycle state of a rollback operation
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusCancelled  OperationStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed || s == OperationStatusCancelled
}

// OperationLogEntry is one append-only log line on an operation
type OperationLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"` // debug|info|warn|error
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// RollbackOperation tracks one execution against a rollback point.
// Progress runs 0..100 and is persisted after every step.
type RollbackOperation struct {
	ID                    string               `json:"id"`
	Type                  RollbackType         `json:"type"`
	TargetRollbackPointID string               `json:"targetRollbackPointId"`
	Status                OperationStatus      `json:"status"`
	Progress              int                  `json:"progress"`
	Strategy              RollbackStrategyKind `json:"strategy"`
	StartedAt             time.Time            `json:"startedAt"`
	CompletedAt           *time.Time           `json:"completedAt,omitempty"`
	Error                 string               `json:"error,omitempty"`
	Log                   []OperationLogEntry  `json:"log,omitempty"`
}

// ConflictType classifies why live state diverged from a snapshot
type ConflictType string

const (
	ConflictTypeValueMismatch      ConflictType = "value_mismatch"
	ConflictTypeTypeMismatch       ConflictType = "type_mismatch"
	ConflictTypeMissingTarget      ConflictType = "missing_target"
	ConflictTypePermissionDenied   ConflictType = "permission_denied"
	ConflictTypeDependencyConflict ConflictType = "dependency_conflict"
)

// Conflict is one divergence between live state and the rollback target
type Conflict struct {
	Path          string         `json:"path"`
	Type          ConflictType   `json:"type"`
	CurrentValue  any            `json:"currentValue,omitempty"`
	RollbackValue any            `json:"rollbackValue,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// PartialSelection names which diff entries a partial rollback applies.
// Identifiers match against the path segment for the selection type;
// Exclude wins over Include when both are set.
type PartialSelection struct {
	Type        string   `json:"type"` // entity|relationship|file|namespace|component
	Identifiers []string `json:"identifiers"`
	Include     []string `json:"include,omitempty"`
	Exclude     []string `json:"exclude,omitempty"`
	Priority    int      `json:"priority"`
}

// TimebasedFilter bounds which changes a time-based rollback touches
type TimebasedFilter struct {
	RollbackToTimestamp *time.Time     `json:"rollbackToTimestamp,omitempty"`
	IncludeChangesAfter *time.Time     `json:"includeChangesAfter,omitempty"`
	ExcludeChangesAfter *time.Time     `json:"excludeChangesAfter,omitempty"`
	MaxChangeAge        *time.Duration `json:"maxChangeAge,omitempty"`
}

// RecoveryData is the shutdown blob written to session:recovery:data so a
// restarted process can resume where the previous one stopped.
type RecoveryData struct {
	Timestamp      time.Time         `json:"timestamp"`
	ActiveSessions []RecoverySession `json:"activeSessions"`
	Configuration  map[string]any    `json:"configuration,omitempty"`
	Statistics     map[string]any    `json:"statistics,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
}

// RecoverySession is one active session's last known state at shutdown
type RecoverySession struct {
	SessionID    string       `json:"sessionId"`
	State        SessionState `json:"state"`
	AgentIDs     []string     `json:"agentIds"`
	Events       int64        `json:"events"`
	LastActivity time.Time    `json:"lastActivity"`
}
