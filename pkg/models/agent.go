package models

import "time"

// AgentStatus is the lifecycle state of a registered agent
type AgentStatus string

const (
	// AgentStatusActive means the agent accepts new work
	AgentStatusActive AgentStatus = "active"
	// AgentStatusBusy means the agent is at its load cap
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusIdle means the agent is registered but has no work
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusDead means heartbeats stopped; tasks were reassigned
	AgentStatusDead AgentStatus = "dead"
	// AgentStatusMaintenance means the agent is drained on purpose
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// IsValid checks if the agent status is valid
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusActive, AgentStatusBusy, AgentStatusIdle, AgentStatusDead, AgentStatusMaintenance:
		return true
	default:
		return false
	}
}

// IsSchedulable reports whether the scheduler may hand tasks to an agent
// in this status.
func (s AgentStatus) IsSchedulable() bool {
	return s == AgentStatusActive || s == AgentStatusIdle
}

// Agent is a registered fleet participant
type Agent struct {
	ID                  string         `json:"id"`
	Type                string         `json:"type"`
	Capabilities        []string       `json:"capabilities"`
	Priority            int            `json:"priority"`
	Load                int            `json:"load"`
	MaxLoad             int            `json:"maxLoad"`
	Status              AgentStatus    `json:"status"`
	LastHeartbeat       time.Time      `json:"lastHeartbeat"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CurrentSessions     []string       `json:"currentSessions"`
	TotalTasksCompleted int            `json:"totalTasksCompleted"`
	AverageTaskDuration float64        `json:"averageTaskDuration"` // milliseconds
	ErrorRate           float64        `json:"errorRate"`           // 0..1
}

// HasCapabilities reports whether the agent satisfies every required capability
func (a *Agent) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RegisterAgentRequest contains fields for registering an agent
type RegisterAgentRequest struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	MaxLoad      int            `json:"maxLoad,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValid checks if the task status is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is one unit of dispatchable work targeting a session
type Task struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Priority             int            `json:"priority"`
	SessionID            string         `json:"sessionId"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty"`
	EstimatedDuration    int64          `json:"estimatedDuration,omitempty"` // milliseconds
	Deadline             *time.Time     `json:"deadline,omitempty"`
	Status               TaskStatus     `json:"status"`
	CreatedAt            time.Time      `json:"createdAt"`
	Attempts             int            `json:"attempts"`
	MaxAttempts          int            `json:"maxAttempts"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	AssignedAgent        string         `json:"assignedAgent,omitempty"`
	AssignedAt           *time.Time     `json:"assignedAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	Result               any            `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// SubmitTaskRequest contains fields for submitting a task
type SubmitTaskRequest struct {
	Type                 string         `json:"type"`
	Priority             int            `json:"priority,omitempty"`
	SessionID            string         `json:"sessionId"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty"`
	EstimatedDuration    int64          `json:"estimatedDuration,omitempty"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	MaxAttempts          int            `json:"maxAttempts,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Handoff records a session transfer between two agents
type Handoff struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"sessionId"`
	FromAgent         string         `json:"fromAgent"`
	ToAgent           string         `json:"toAgent"`
	Reason            string         `json:"reason,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	Priority          int            `json:"priority,omitempty"`
	EstimatedDuration int64          `json:"estimatedDuration,omitempty"` // milliseconds
}
