package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional YAML file read from the config directory.
// Deployments that configure everything through environment variables can
// omit it entirely.
const ConfigFileName = "coord.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Precedence, lowest to highest: built-in defaults, coord.yaml (with
// {{.VAR}} environment expansion), plain environment variables.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"strategy", cfg.Coordinator.Strategy,
		"session_ttl", cfg.Session.DefaultTTL,
		"metrics_path", cfg.Metrics.MetricsPath)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := defaultConfig()

	var fileCfg coordYAML
	err := loadYAMLFile(configDir, ConfigFileName, &fileCfg)
	switch {
	case errors.Is(err, ErrConfigNotFound):
		// Environment-only deployment; defaults carry the rest.
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		if err := mergeFileConfig(cfg, &fileCfg); err != nil {
			return nil, NewLoadError(ConfigFileName, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// mergeFileConfig layers non-zero file values over the defaults
func mergeFileConfig(cfg *Config, file *coordYAML) error {
	if file.Redis != nil {
		if err := mergo.Merge(&cfg.Redis, *file.Redis, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge redis config: %w", err)
		}
	}
	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"session", cfg.Session, file.Session},
		{"coordinator", cfg.Coordinator, file.Coordinator},
		{"rollback", cfg.Rollback, file.Rollback},
		{"metrics", cfg.Metrics, file.Metrics},
		{"server", cfg.Server, file.Server},
		{"lifecycle", cfg.Lifecycle, file.Lifecycle},
		{"migration", cfg.Migration, file.Migration},
	}
	for _, s := range sections {
		if s.src == nil || isNilPointer(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}
	return nil
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *SessionConfig:
		return p == nil
	case *CoordinatorConfig:
		return p == nil
	case *RollbackConfig:
		return p == nil
	case *MetricsConfig:
		return p == nil
	case *ServerConfig:
		return p == nil
	case *LifecycleConfig:
		return p == nil
	case *MigrationConfig:
		return p == nil
	default:
		return v == nil
	}
}

func loadYAMLFile(dir, filename string, target any) error {
	path := filepath.Join(dir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// applyEnvOverrides applies the plain environment variable interface on top
// of whatever the file configured.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v, ok := envInt("REDIS_PORT"); ok {
		cfg.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v, ok := envInt("REDIS_SESSION_DB"); ok {
		cfg.Redis.DB = v
	}
	if v, ok := envBool("REDIS_TLS"); ok {
		cfg.Redis.TLS = v
	}

	if v, ok := envDuration("SESSION_DEFAULT_TTL"); ok {
		cfg.Session.DefaultTTL = v
	}
	if v, ok := envDuration("SESSION_GRACE_TTL"); ok {
		cfg.Session.GraceTTL = v
	}
	if v, ok := envInt("SESSION_CHECKPOINT_INTERVAL"); ok {
		cfg.Session.CheckpointInterval = v
	}
	if v, ok := envInt("SESSION_MAX_EVENTS"); ok {
		cfg.Session.MaxEvents = v
	}
	if v, ok := envBool("SESSION_ENABLE_FAILURE_SNAPSHOTS"); ok {
		cfg.Session.EnableFailureSnapshots = v
	}
	if v := os.Getenv("SESSION_GLOBAL_CHANNEL"); v != "" {
		cfg.Session.GlobalChannel = v
	}
	if v := os.Getenv("SESSION_CHANNEL_PREFIX"); v != "" {
		cfg.Session.ChannelPrefix = v
	}

	if v := os.Getenv("MIGRATION_TARGET_URL"); v != "" {
		cfg.Migration.TargetURL = v
	}

	if v, ok := envInt("HTTP_PORT"); ok {
		cfg.Server.Port = v
	}
	if v := os.Getenv("METRICS_PATH"); v != "" {
		cfg.Metrics.MetricsPath = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envBool(key string) (bool, bool) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

// envDuration accepts Go duration syntax ("5m") or a bare integer number
// of seconds ("300").
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
