package config

import "time"

// SessionConfig controls session lifetime, checkpoint cadence, and pub/sub
// channel naming.
type SessionConfig struct {
	// DefaultTTL is applied to session and event keys on creation and
	// refreshed on every event unless the caller opts out.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// GraceTTL replaces DefaultTTL after a checkpoint or when the last
	// agent leaves, keeping the session readable for rejoin and analytics.
	GraceTTL time.Duration `yaml:"grace_ttl"`

	// CheckpointInterval triggers an auto-checkpoint every N events.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// CheckpointWindow is how many trailing events a checkpoint aggregates.
	CheckpointWindow int `yaml:"checkpoint_window"`

	// MaxEvents caps how many events a single range read returns.
	MaxEvents int `yaml:"max_events"`

	// RecentEvents is how many trailing events Get loads with the document.
	RecentEvents int `yaml:"recent_events"`

	// EnableFailureSnapshots captures a rollback snapshot when a checkpoint
	// aggregates to a broken outcome.
	EnableFailureSnapshots bool `yaml:"enable_failure_snapshots"`

	// GlobalChannel receives lifecycle notifications for all sessions.
	GlobalChannel string `yaml:"global_channel"`

	// ChannelPrefix prefixes per-session channels, e.g. "session:" + id.
	ChannelPrefix string `yaml:"channel_prefix"`

	// CleanupInterval is how often the abandoned-session sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Cache tunes the optional caching store layered over the base store.
	Cache *CacheConfig `yaml:"cache"`
}

// CacheConfig tunes the caching session store (LRU reads, batched writes)
type CacheConfig struct {
	// Size is the LRU entry cap.
	Size int `yaml:"size"`

	// TTL bounds how long a cached session document is trusted.
	TTL time.Duration `yaml:"ttl"`

	// BatchSize flushes the write batcher when this many operations queue up.
	BatchSize int `yaml:"batch_size"`

	// PipelineTimeout flushes the write batcher after this long regardless
	// of batch size.
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		DefaultTTL:             1 * time.Hour,
		GraceTTL:               5 * time.Minute,
		CheckpointInterval:     10,
		CheckpointWindow:       20,
		MaxEvents:              1000,
		RecentEvents:           50,
		EnableFailureSnapshots: false,
		GlobalChannel:          "global:sessions",
		ChannelPrefix:          "session:",
		CleanupInterval:        10 * time.Minute,
		Cache: &CacheConfig{
			Size:            1000,
			TTL:             30 * time.Second,
			BatchSize:       50,
			PipelineTimeout: 50 * time.Millisecond,
		},
	}
}
