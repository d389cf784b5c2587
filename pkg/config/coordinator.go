package config

import "time"

// CoordinatorConfig controls task scheduling and agent liveness detection.
type CoordinatorConfig struct {
	// Strategy is the load-balancing strategy used by the scheduler.
	Strategy Strategy `yaml:"strategy"`

	// ScheduleInterval is the base period of the scheduling tick. Task
	// submission and completion also trigger immediate ticks.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`

	// HeartbeatInterval is how often the liveness scan runs.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long an agent may go silent before it is
	// declared dead and its assigned tasks are requeued.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// RecoveryDelay is how long after a death the coordinator waits before
	// probing the agent back to life.
	RecoveryDelay time.Duration `yaml:"recovery_delay"`

	// DefaultMaxLoad caps concurrent assignments for agents registered
	// without an explicit limit.
	DefaultMaxLoad int `yaml:"default_max_load"`

	// DefaultMaxAttempts bounds task retries when the submitter sets none.
	DefaultMaxAttempts int `yaml:"default_max_attempts"`

	// DefaultTaskPriority is used when a submitted task carries none.
	DefaultTaskPriority int `yaml:"default_task_priority"`
}

// DefaultCoordinatorConfig returns the built-in coordinator defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Strategy:            StrategyLeastLoaded,
		ScheduleInterval:    5 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		RecoveryDelay:       30 * time.Second,
		DefaultMaxLoad:      5,
		DefaultMaxAttempts:  3,
		DefaultTaskPriority: 5,
	}
}
