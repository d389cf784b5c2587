package config

// MigrationConfig tunes cross-instance session migration.
type MigrationConfig struct {
	// TargetURL is the Redis URL of the instance sessions migrate to.
	// Empty disables migration entirely.
	TargetURL string `yaml:"target_url"`

	// BatchSize is how many sessions one batch copies; cancellation is
	// checked between batches.
	BatchSize int `yaml:"batch_size"`

	// Concurrency bounds how many sessions copy in parallel within a batch.
	Concurrency int `yaml:"concurrency"`
}

// DefaultMigrationConfig returns the built-in migration defaults.
func DefaultMigrationConfig() *MigrationConfig {
	return &MigrationConfig{
		BatchSize:   20,
		Concurrency: 4,
	}
}
