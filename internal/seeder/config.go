package seeder

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/service"
)

const minInterval = time.Minute

// ErrSeedFileEmpty indicates a missing seed_file path.
var ErrSeedFileEmpty = errors.New("seed_file path is empty")

// Config is the seeder's YAML configuration.
type Config struct {
	service.RunConfig `yaml:",inline"`

	// SeedFile is the path of the operator-provided URL list.
	SeedFile string `yaml:"seed_file"`
}

// DefaultConfig returns the seeder defaults.
func DefaultConfig() *Config {
	return &Config{
		RunConfig: service.DefaultRunConfig(time.Hour),
		SeedFile:  "seed.txt",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.RunConfig.Validate(minInterval); err != nil {
		return err
	}

	if c.SeedFile == "" {
		return ErrSeedFileEmpty
	}

	return nil
}

// LoadConfig reads and validates the seeder config file at path.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seeder configuration: %w", err)
	}

	return cfg, nil
}
