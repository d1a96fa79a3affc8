// Package config provides the shared configuration plumbing: environment
// getters with defaults, strict YAML file loading, a human-readable Duration
// type, and DSN masking for logs.
package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnvStr returns the value of an environment variable, or fallback when
// the variable is unset or empty.
func GetEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

// GetEnvInt returns an environment variable parsed as an int. Unset, empty,
// or unparseable values yield fallback.
func GetEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}

	return fallback
}

// GetEnvDuration returns an environment variable parsed with
// time.ParseDuration, so "90s" and "5m" both work. Unset, empty, or
// unparseable values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}

	return fallback
}
