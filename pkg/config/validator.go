package config

import (
	"fmt"
	"strings"
)

// ConfigValidator validates configuration with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

// ValidateAll validates every section, failing fast on the first error
func (v *ConfigValidator) ValidateAll() error {
	if err := v.cfg.Redis.Validate(); err != nil {
		return NewValidationError("redis", "", err)
	}
	if err := v.validateSession(); err != nil {
		return err
	}
	if err := v.validateCoordinator(); err != nil {
		return err
	}
	if err := v.validateRollback(); err != nil {
		return err
	}
	if err := v.validateMetrics(); err != nil {
		return err
	}
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateLifecycle(); err != nil {
		return err
	}
	if err := v.validateMigration(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateSession() error {
	s := v.cfg.Session
	if s.DefaultTTL <= 0 {
		return NewValidationError("session", "default_ttl", fmt.Errorf("must be positive"))
	}
	if s.GraceTTL <= 0 {
		return NewValidationError("session", "grace_ttl", fmt.Errorf("must be positive"))
	}
	if s.CheckpointInterval <= 0 {
		return NewValidationError("session", "checkpoint_interval", fmt.Errorf("must be positive"))
	}
	if s.CheckpointWindow <= 0 {
		return NewValidationError("session", "checkpoint_window", fmt.Errorf("must be positive"))
	}
	if s.RecentEvents <= 0 || s.MaxEvents <= 0 {
		return NewValidationError("session", "max_events", fmt.Errorf("event limits must be positive"))
	}
	if s.GlobalChannel == "" {
		return NewValidationError("session", "global_channel", fmt.Errorf("must not be empty"))
	}
	if s.ChannelPrefix == "" {
		return NewValidationError("session", "channel_prefix", fmt.Errorf("must not be empty"))
	}
	if strings.ContainsAny(s.ChannelPrefix, " *?") {
		return NewValidationError("session", "channel_prefix", fmt.Errorf("must not contain glob or space characters"))
	}
	if c := s.Cache; c != nil {
		if c.Size <= 0 || c.BatchSize <= 0 {
			return NewValidationError("session", "cache", fmt.Errorf("size and batch_size must be positive"))
		}
		if c.TTL <= 0 || c.PipelineTimeout <= 0 {
			return NewValidationError("session", "cache", fmt.Errorf("ttl and pipeline_timeout must be positive"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateCoordinator() error {
	c := v.cfg.Coordinator
	if !c.Strategy.IsValid() {
		return NewValidationError("coordinator", "strategy", fmt.Errorf("unknown strategy: %s", c.Strategy))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return NewValidationError("coordinator", "heartbeat_interval", fmt.Errorf("heartbeat timings must be positive"))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return NewValidationError("coordinator", "heartbeat_timeout",
			fmt.Errorf("timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	if c.DefaultMaxLoad <= 0 {
		return NewValidationError("coordinator", "default_max_load", fmt.Errorf("must be positive"))
	}
	if c.DefaultMaxAttempts <= 0 {
		return NewValidationError("coordinator", "default_max_attempts", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRollback() error {
	r := v.cfg.Rollback
	if r.DefaultPointTTL <= 0 {
		return NewValidationError("rollback", "default_point_ttl", fmt.Errorf("must be positive"))
	}
	if r.MaxSnapshotSize <= 0 {
		return NewValidationError("rollback", "max_snapshot_size", fmt.Errorf("must be positive"))
	}
	if !r.ConflictPolicy.IsValid() {
		return NewValidationError("rollback", "conflict_policy", fmt.Errorf("unknown policy: %s", r.ConflictPolicy))
	}
	if r.GradualBatchSize <= 0 {
		return NewValidationError("rollback", "gradual_batch_size", fmt.Errorf("must be positive"))
	}
	if r.MaxDiffDepth <= 0 {
		return NewValidationError("rollback", "max_diff_depth", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateMetrics() error {
	m := v.cfg.Metrics
	if m.CollectionInterval <= 0 {
		return NewValidationError("metrics", "collection_interval", fmt.Errorf("must be positive"))
	}
	if m.RetentionDays <= 0 {
		return NewValidationError("metrics", "retention_days", fmt.Errorf("must be positive"))
	}
	if !strings.HasPrefix(m.MetricsPath, "/") {
		return NewValidationError("metrics", "metrics_path", fmt.Errorf("must start with /"))
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be in 1..65535"))
	}
	return nil
}

func (v *ConfigValidator) validateLifecycle() error {
	l := v.cfg.Lifecycle
	if l.DrainTTL <= 0 {
		return NewValidationError("lifecycle", "drain_ttl", fmt.Errorf("must be positive"))
	}
	if l.RecoveryDataTTL <= 0 {
		return NewValidationError("lifecycle", "recovery_data_ttl", fmt.Errorf("must be positive"))
	}
	if l.ForceCloseAfter <= 0 {
		return NewValidationError("lifecycle", "force_close_after", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateMigration() error {
	m := v.cfg.Migration
	if m.BatchSize <= 0 {
		return NewValidationError("migration", "batch_size", fmt.Errorf("must be positive"))
	}
	if m.Concurrency <= 0 {
		return NewValidationError("migration", "concurrency", fmt.Errorf("must be positive"))
	}
	return nil
}
