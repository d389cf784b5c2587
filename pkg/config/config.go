package config

import (
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
)

// Config is the fully resolved runtime configuration: built-in defaults,
// overridden by the optional coord.yaml, overridden by environment
// variables.
type Config struct {
	Redis       kv.Config
	Session     *SessionConfig
	Coordinator *CoordinatorConfig
	Rollback    *RollbackConfig
	Metrics     *MetricsConfig
	Server      *ServerConfig
	Lifecycle   *LifecycleConfig
	Migration   *MigrationConfig
}

// coordYAML mirrors the optional coord.yaml file structure
type coordYAML struct {
	Redis       *kv.Config         `yaml:"redis"`
	Session     *SessionConfig     `yaml:"session"`
	Coordinator *CoordinatorConfig `yaml:"coordinator"`
	Rollback    *RollbackConfig    `yaml:"rollback"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
	Server      *ServerConfig      `yaml:"server"`
	Lifecycle   *LifecycleConfig   `yaml:"lifecycle"`
	Migration   *MigrationConfig   `yaml:"migration"`
}

// defaultConfig assembles the built-in defaults for every section
func defaultConfig() *Config {
	return &Config{
		Redis:       kv.DefaultConfig(),
		Session:     DefaultSessionConfig(),
		Coordinator: DefaultCoordinatorConfig(),
		Rollback:    DefaultRollbackConfig(),
		Metrics:     DefaultMetricsConfig(),
		Server:      DefaultServerConfig(),
		Lifecycle:   DefaultLifecycleConfig(),
		Migration:   DefaultMigrationConfig(),
	}
}
