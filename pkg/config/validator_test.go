package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, validate(defaultConfig()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		section string
		field   string
		errMsg  string
	}{
		{
			name: "redis needs url or host",
			mutate: func(cfg *Config) {
				cfg.Redis.URL = ""
				cfg.Redis.Host = ""
			},
			section: "redis",
			errMsg:  "url or host is required",
		},
		{
			name: "redis min connections above max",
			mutate: func(cfg *Config) {
				cfg.Redis.MinConnections = 5
				cfg.Redis.MaxConnections = 2
			},
			section: "redis",
			errMsg:  "min_connections 5 exceeds max_connections 2",
		},
		{
			name:    "session ttl must be positive",
			mutate:  func(cfg *Config) { cfg.Session.DefaultTTL = -time.Second },
			section: "session",
			field:   "default_ttl",
			errMsg:  "must be positive",
		},
		{
			name:    "session event limits",
			mutate:  func(cfg *Config) { cfg.Session.RecentEvents = 0 },
			section: "session",
			field:   "max_events",
			errMsg:  "event limits must be positive",
		},
		{
			name:    "channel prefix rejects glob characters",
			mutate:  func(cfg *Config) { cfg.Session.ChannelPrefix = "sess*" },
			section: "session",
			field:   "channel_prefix",
			errMsg:  "glob or space",
		},
		{
			name:    "cache sizes must be positive",
			mutate:  func(cfg *Config) { cfg.Session.Cache.Size = 0 },
			section: "session",
			field:   "cache",
			errMsg:  "size and batch_size must be positive",
		},
		{
			name:    "unknown coordinator strategy",
			mutate:  func(cfg *Config) { cfg.Coordinator.Strategy = "psychic" },
			section: "coordinator",
			field:   "strategy",
			errMsg:  "unknown strategy: psychic",
		},
		{
			name: "heartbeat timeout must exceed interval",
			mutate: func(cfg *Config) {
				cfg.Coordinator.HeartbeatInterval = 30 * time.Second
				cfg.Coordinator.HeartbeatTimeout = 30 * time.Second
			},
			section: "coordinator",
			field:   "heartbeat_timeout",
			errMsg:  "must exceed interval",
		},
		{
			name:    "unknown conflict policy",
			mutate:  func(cfg *Config) { cfg.Rollback.ConflictPolicy = "sometimes" },
			section: "rollback",
			field:   "conflict_policy",
			errMsg:  "unknown policy: sometimes",
		},
		{
			name:    "diff depth must be positive",
			mutate:  func(cfg *Config) { cfg.Rollback.MaxDiffDepth = 0 },
			section: "rollback",
			field:   "max_diff_depth",
			errMsg:  "must be positive",
		},
		{
			name:    "metrics path needs leading slash",
			mutate:  func(cfg *Config) { cfg.Metrics.MetricsPath = "metrics" },
			section: "metrics",
			field:   "metrics_path",
			errMsg:  "must start with /",
		},
		{
			name:    "server port range low",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			section: "server",
			field:   "port",
			errMsg:  "must be in 1..65535",
		},
		{
			name:    "server port range high",
			mutate:  func(cfg *Config) { cfg.Server.Port = 70000 },
			section: "server",
			field:   "port",
			errMsg:  "must be in 1..65535",
		},
		{
			name:    "force close must be positive",
			mutate:  func(cfg *Config) { cfg.Lifecycle.ForceCloseAfter = 0 },
			section: "lifecycle",
			field:   "force_close_after",
			errMsg:  "must be positive",
		},
		{
			name:    "migration batch size",
			mutate:  func(cfg *Config) { cfg.Migration.BatchSize = 0 },
			section: "migration",
			field:   "batch_size",
			errMsg:  "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.section, vErr.Section)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestValidationErrorFormat(t *testing.T) {
	withField := NewValidationError("session", "default_ttl", errors.New("must be positive"))
	assert.Equal(t, "session: field 'default_ttl': must be positive", withField.Error())

	withoutField := NewValidationError("redis", "", errors.New("url or host is required"))
	assert.Equal(t, "redis: url or host is required", withoutField.Error())

	inner := errors.New("boom")
	assert.ErrorIs(t, NewValidationError("x", "y", inner), inner)
}
