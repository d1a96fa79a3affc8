package migrations

import (
	"errors"
	"fmt"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

var (
	// ErrDatabaseURLEmpty is returned when no database URL is configured.
	ErrDatabaseURLEmpty = errors.New("DATABASE_URL cannot be empty")
	// ErrMigrationTableEmpty is returned when the tracking table name is empty.
	ErrMigrationTableEmpty = errors.New("migration table name cannot be empty")
)

// Config holds the settings the migration runner needs.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the version tracking table.
	MigrationTable string
}

// LoadConfig reads the migration configuration from the environment:
// DATABASE_URL (required) and MIGRATION_TABLE (default schema_migrations).
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String renders the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		config.MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}
