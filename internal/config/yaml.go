package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the requested config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// LoadYAMLFile decodes a YAML config file into out. Unknown keys are rejected
// so that typos in config files fail at startup instead of being silently
// ignored. An empty file leaves out untouched.
func LoadYAMLFile(path string, out any) error {
	file, err := os.Open(path) //nolint:gosec // path comes from the operator's --config flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}

		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}

	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}

		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}
