package finder

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/service"
)

const (
	minInterval      = time.Minute
	maxEventPageSize = 10000
)

// Sentinel errors for finder configuration validation.
var (
	// ErrInvalidSourceURL indicates a source that is not an http(s) URL.
	ErrInvalidSourceURL = errors.New("source must be an http or https URL")

	// ErrInvalidSourceTimeout indicates a non-positive per-request timeout.
	ErrInvalidSourceTimeout = errors.New("source_timeout must be positive")

	// ErrInvalidSourceRetries indicates a negative retry count.
	ErrInvalidSourceRetries = errors.New("source_retries cannot be negative")

	// ErrInvalidRateLimit indicates a non-positive rate limit or burst.
	ErrInvalidRateLimit = errors.New("rate_limit and rate_burst must be positive")

	// ErrInvalidEventPageSize indicates a page size outside 1-10000.
	ErrInvalidEventPageSize = errors.New("event_page_size must be between 1 and 10000")

	// ErrInvalidEventMaxPages indicates a non-positive per-cycle page bound.
	ErrInvalidEventMaxPages = errors.New("event_max_pages must be at least 1")
)

// Config is the finder's YAML configuration.
type Config struct {
	service.RunConfig `yaml:",inline"`

	// Sources are JSON endpoints listing relay URLs, fetched every cycle.
	Sources []string `yaml:"sources"`

	// SourceTimeout bounds each request to a source.
	SourceTimeout config.Duration `yaml:"source_timeout"`

	// SourceRetries is how many times a failed source request is retried.
	SourceRetries int `yaml:"source_retries"`

	// RateLimit and RateBurst throttle source requests across the cycle.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// EventPageSize is the event scan page size; EventMaxPages bounds how
	// many pages one cycle consumes before handing off to the cursor.
	EventPageSize int `yaml:"event_page_size"`
	EventMaxPages int `yaml:"event_max_pages"`
}

// DefaultConfig returns the finder defaults. No sources are configured by
// default; the event scan alone still produces candidates.
func DefaultConfig() *Config {
	return &Config{
		RunConfig:     service.DefaultRunConfig(30 * time.Minute),
		Sources:       nil,
		SourceTimeout: config.Duration(10 * time.Second),
		SourceRetries: 2,
		RateLimit:     1,
		RateBurst:     3,
		EventPageSize: 1000,
		EventMaxPages: 100,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.RunConfig.Validate(minInterval); err != nil {
		return err
	}

	for _, source := range c.Sources {
		u, err := url.Parse(source)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidSourceURL, source)
		}
	}

	if c.SourceTimeout.Std() <= 0 {
		return ErrInvalidSourceTimeout
	}

	if c.SourceRetries < 0 {
		return ErrInvalidSourceRetries
	}

	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return ErrInvalidRateLimit
	}

	if c.EventPageSize < 1 || c.EventPageSize > maxEventPageSize {
		return fmt.Errorf("%w: got %d", ErrInvalidEventPageSize, c.EventPageSize)
	}

	if c.EventMaxPages < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidEventMaxPages, c.EventMaxPages)
	}

	return nil
}

// LoadConfig reads and validates the finder config file at path.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid finder configuration: %w", err)
	}

	return cfg, nil
}
