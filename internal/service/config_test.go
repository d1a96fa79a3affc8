package service

import (
	"errors"
	"testing"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

func TestRunConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr error
	}{
		{
			name:   "valid defaults",
			mutate: func(*RunConfig) {},
		},
		{
			name: "interval below floor",
			mutate: func(c *RunConfig) {
				c.Interval = config.Duration(time.Second)
			},
			wantErr: ErrIntervalTooShort,
		},
		{
			name: "negative jitter",
			mutate: func(c *RunConfig) {
				c.Jitter = -0.1
			},
			wantErr: ErrInvalidJitter,
		},
		{
			name: "jitter above one",
			mutate: func(c *RunConfig) {
				c.Jitter = 1.5
			},
			wantErr: ErrInvalidJitter,
		},
		{
			name: "zero failure limit",
			mutate: func(c *RunConfig) {
				c.MaxConsecutiveFailures = 0
			},
			wantErr: ErrInvalidFailureLimit,
		},
		{
			name: "bad metrics port",
			mutate: func(c *RunConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 0
			},
			wantErr: ErrInvalidMetricsPort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRunConfig(time.Minute)
			tt.mutate(&cfg)

			err := cfg.Validate(time.Minute)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// a disabled endpoint is never validated
	disabled := MetricsConfig{Enabled: false, Port: -1, Path: "nope"}
	if err := disabled.Validate(); err != nil {
		t.Errorf("Validate() = %v for disabled endpoint, want nil", err)
	}

	badPath := DefaultMetricsConfig()
	badPath.Enabled = true
	badPath.Path = "metrics"

	if err := badPath.Validate(); !errors.Is(err, ErrInvalidMetricsPath) {
		t.Errorf("Validate() = %v, want ErrInvalidMetricsPath", err)
	}

	bigPort := DefaultMetricsConfig()
	bigPort.Enabled = true
	bigPort.Port = 70000

	if err := bigPort.Validate(); !errors.Is(err, ErrInvalidMetricsPort) {
		t.Errorf("Validate() = %v, want ErrInvalidMetricsPort", err)
	}
}

func TestMetricsConfigAddr(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := MetricsConfig{Host: "127.0.0.1", Port: 9091}
	if got := cfg.Addr(); got != "127.0.0.1:9091" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9091", got)
	}
}
