package config

import "time"

// MetricsConfig controls metric collection, retention, and alerting.
type MetricsConfig struct {
	// CollectionInterval is how often the snapshotter samples the system.
	CollectionInterval time.Duration `yaml:"collection_interval"`

	// RetentionDays bounds the in-memory snapshot ring.
	RetentionDays int `yaml:"retention_days"`

	// MetricsPath is where the text exposition is served.
	MetricsPath string `yaml:"metrics_path"`

	// AlertInterval is how often alert rules are evaluated.
	AlertInterval time.Duration `yaml:"alert_interval"`
}

// DefaultMetricsConfig returns the built-in metrics defaults.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		CollectionInterval: 10 * time.Second,
		RetentionDays:      7,
		MetricsPath:        "/metrics",
		AlertInterval:      30 * time.Second,
	}
}

// ServerConfig controls the HTTP surface (ops API, health, metrics, relay).
type ServerConfig struct {
	// Port the server listens on.
	Port int `yaml:"port"`

	// BodyLimit caps request bodies, echo syntax (e.g. "2M").
	BodyLimit string `yaml:"body_limit"`

	// AllowedOrigins for CORS and WebSocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds the HTTP server drain during shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		BodyLimit:       "2M",
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// LifecycleConfig controls health aggregation and graceful shutdown.
type LifecycleConfig struct {
	// HealthInterval is how often component health is re-checked.
	HealthInterval time.Duration `yaml:"health_interval"`

	// DrainTTL is applied to every active session when shutdown starts so
	// idle callers expire promptly.
	DrainTTL time.Duration `yaml:"drain_ttl"`

	// RecoveryDataTTL bounds the recovery blob written during shutdown.
	RecoveryDataTTL time.Duration `yaml:"recovery_data_ttl"`

	// ForceCloseAfter switches to the forced shutdown path when a phase
	// exceeds it.
	ForceCloseAfter time.Duration `yaml:"force_close_after"`

	// PreserveData controls whether shutdown writes recovery data at all.
	PreserveData bool `yaml:"preserve_data"`
}

// DefaultLifecycleConfig returns the built-in lifecycle defaults.
func DefaultLifecycleConfig() *LifecycleConfig {
	return &LifecycleConfig{
		HealthInterval:  15 * time.Second,
		DrainTTL:        10 * time.Second,
		RecoveryDataTTL: 24 * time.Hour,
		ForceCloseAfter: 30 * time.Second,
		PreserveData:    true,
	}
}
