// Package service provides the run-forever loop shared by every pipeline
// service: jittered scheduling, a consecutive-failure circuit breaker,
// Prometheus cycle metrics, and a typed handle over persisted service state.
package service

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

// Sentinel errors for loop configuration validation.
var (
	// ErrIntervalTooShort indicates an interval below the service's floor.
	ErrIntervalTooShort = errors.New("interval too short")

	// ErrInvalidJitter indicates a jitter outside [0, 1].
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")

	// ErrInvalidFailureLimit indicates a non-positive circuit breaker limit.
	ErrInvalidFailureLimit = errors.New("max_consecutive_failures must be at least 1")

	// ErrInvalidMetricsPort indicates a metrics port outside 1-65535.
	ErrInvalidMetricsPort = errors.New("metrics port must be between 1 and 65535")

	// ErrInvalidMetricsPath indicates a metrics path not starting with /.
	ErrInvalidMetricsPath = errors.New("metrics path must start with /")
)

// RunConfig is the loop contract every service config embeds: how often a
// cycle runs, how far the first cycle is randomly delayed, and how many
// failed cycles in a row are tolerated before the service halts.
type RunConfig struct {
	Interval               config.Duration `yaml:"interval"`
	Jitter                 float64         `yaml:"jitter"`
	MaxConsecutiveFailures int             `yaml:"max_consecutive_failures"`
	Metrics                MetricsConfig   `yaml:"metrics"`
}

// DefaultRunConfig returns the loop defaults around the given base interval.
func DefaultRunConfig(interval time.Duration) RunConfig {
	return RunConfig{
		Interval:               config.Duration(interval),
		Jitter:                 0.1,
		MaxConsecutiveFailures: 5,
		Metrics:                DefaultMetricsConfig(),
	}
}

// Validate checks the loop contract. minInterval is the service's floor on
// the cycle interval.
func (c RunConfig) Validate(minInterval time.Duration) error {
	if c.Interval.Std() < minInterval {
		return fmt.Errorf("%w: %s is below the %s floor", ErrIntervalTooShort, c.Interval, minInterval)
	}

	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("%w: got %g", ErrInvalidJitter, c.Jitter)
	}

	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidFailureLimit, c.MaxConsecutiveFailures)
	}

	return c.Metrics.Validate()
}

// MetricsConfig controls the per-process Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultMetricsConfig returns the metrics endpoint defaults. The endpoint
// is disabled until a config turns it on.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Host:    "0.0.0.0",
		Port:    9090,
		Path:    "/metrics",
	}
}

// Validate checks the metrics endpoint settings. A disabled endpoint is
// always valid.
func (c MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidMetricsPort, c.Port)
	}

	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: got %q", ErrInvalidMetricsPath, c.Path)
	}

	return nil
}

// Addr returns the host:port the metrics server listens on.
func (c MetricsConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
