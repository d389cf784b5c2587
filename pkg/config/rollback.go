package config

import "time"

// RollbackConfig controls rollback point lifetime, snapshot bounds, and
// strategy behavior.
type RollbackConfig struct {
	// DefaultPointTTL is how long a rollback point and its snapshots live
	// unless deleted explicitly.
	DefaultPointTTL time.Duration `yaml:"default_point_ttl"`

	// MaxSnapshotSize rejects snapshot payloads above this many bytes.
	MaxSnapshotSize int64 `yaml:"max_snapshot_size"`

	// MaxOperationDuration is the watchdog for a single rollback operation.
	MaxOperationDuration time.Duration `yaml:"max_operation_duration"`

	// GradualBatchSize is how many changes the gradual strategy applies
	// per batch.
	GradualBatchSize int `yaml:"gradual_batch_size"`

	// GradualDelay is the pause between gradual batches.
	GradualDelay time.Duration `yaml:"gradual_delay"`

	// SafeMaxAge is the oldest rollback point the safe strategy accepts.
	SafeMaxAge time.Duration `yaml:"safe_max_age"`

	// ConflictPolicy is the default conflict handling when an operation
	// specifies none.
	ConflictPolicy ConflictPolicy `yaml:"conflict_policy"`

	// MaxMergeComplexity is the smart-merge complexity ceiling; conflicts
	// scoring above it are deferred to the user.
	MaxMergeComplexity float64 `yaml:"max_merge_complexity"`

	// PreferNewer resolves leaf conflicts toward the live value instead of
	// the rollback value.
	PreferNewer bool `yaml:"prefer_newer"`

	// MaxDiffDepth caps structural diff recursion.
	MaxDiffDepth int `yaml:"max_diff_depth"`

	// SweepInterval is how often expired rollback points are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRollbackConfig returns the built-in rollback defaults.
func DefaultRollbackConfig() *RollbackConfig {
	return &RollbackConfig{
		DefaultPointTTL:      24 * time.Hour,
		MaxSnapshotSize:      10 * 1024 * 1024,
		MaxOperationDuration: 10 * time.Minute,
		GradualBatchSize:     10,
		GradualDelay:         1 * time.Second,
		SafeMaxAge:           7 * 24 * time.Hour,
		ConflictPolicy:       ConflictPolicyAbort,
		MaxMergeComplexity:   200,
		PreferNewer:          true,
		MaxDiffDepth:         10,
		SweepInterval:        5 * time.Minute,
	}
}
