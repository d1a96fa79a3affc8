package validator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
	"github.com/bigbrotr/bigbrotr/internal/service"
)

const minInterval = time.Minute

// Sentinel errors for validator configuration validation.
var (
	// ErrNoNetworks indicates an empty networks filter.
	ErrNoNetworks = errors.New("networks cannot be empty")

	// ErrUnknownNetwork indicates a networks entry that is not a known
	// network name.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrProxyRequired indicates an overlay network enabled without its
	// SOCKS5 proxy address.
	ErrProxyRequired = errors.New("overlay network enabled without a proxy address")

	// ErrInvalidSelection indicates an unusable selection curve.
	ErrInvalidSelection = errors.New("selection curve must satisfy 0 < p_min <= base_p <= 1 and 0 < decay <= 1")

	// ErrInvalidCycleCap indicates a non-positive per-cycle probe cap.
	ErrInvalidCycleCap = errors.New("max_per_cycle must be at least 1")

	// ErrInvalidWorkers indicates a non-positive per-network pool size.
	ErrInvalidWorkers = errors.New("workers must be at least 1")

	// ErrInvalidFailureCap indicates a non-positive failed-attempt limit.
	ErrInvalidFailureCap = errors.New("max_failed_attempts must be at least 1")
)

// Config is the validator's YAML configuration.
type Config struct {
	service.RunConfig `yaml:",inline"`

	// Networks filters which candidate networks this instance probes.
	Networks []string `yaml:"networks"`

	// BaseP, PMin, and Decay shape the selection probability
	// p = max(p_min, base_p * decay^failed_attempts).
	BaseP float64 `yaml:"base_p"`
	PMin  float64 `yaml:"p_min"`
	Decay float64 `yaml:"decay"`

	// MaxPerCycle caps how many candidates one cycle probes.
	MaxPerCycle int `yaml:"max_per_cycle"`

	// Workers is the probe pool size per network.
	Workers int `yaml:"workers"`

	// MaxFailedAttempts is how many failed probes a candidate survives
	// before it is dropped.
	MaxFailedAttempts int `yaml:"max_failed_attempts"`

	// ProbeRead additionally requires a REQ/EOSE round trip, not just a
	// completed handshake, before promoting a candidate.
	ProbeRead bool `yaml:"probe_read"`

	Timeouts relay.Timeouts    `yaml:"timeouts"`
	Proxies  relay.ProxyConfig `yaml:"proxies"`
}

// DefaultConfig returns the validator defaults: clearnet only, handshake
// plus read probe, and a selection curve that halves a candidate's chance
// per failed attempt down to a 5% floor.
func DefaultConfig() *Config {
	return &Config{
		RunConfig:         service.DefaultRunConfig(10 * time.Minute),
		Networks:          []string{string(models.NetworkClearnet)},
		BaseP:             1.0,
		PMin:              0.05,
		Decay:             0.5,
		MaxPerCycle:       500,
		Workers:           10,
		MaxFailedAttempts: 10,
		ProbeRead:         true,
		Timeouts:          relay.DefaultTimeouts(),
	}
}

// Validate checks the configuration, including that every enabled overlay
// network has a proxy address to ride.
func (c *Config) Validate() error {
	if err := c.RunConfig.Validate(minInterval); err != nil {
		return err
	}

	if len(c.Networks) == 0 {
		return ErrNoNetworks
	}

	for _, name := range c.Networks {
		network, ok := models.ParseNetwork(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
		}

		if !c.Proxies.Enabled(network) {
			return fmt.Errorf("%w: %s", ErrProxyRequired, network)
		}
	}

	if c.PMin <= 0 || c.BaseP < c.PMin || c.BaseP > 1 || c.Decay <= 0 || c.Decay > 1 {
		return ErrInvalidSelection
	}

	if c.MaxPerCycle < 1 {
		return ErrInvalidCycleCap
	}

	if c.Workers < 1 {
		return ErrInvalidWorkers
	}

	if c.MaxFailedAttempts < 1 {
		return ErrInvalidFailureCap
	}

	return nil
}

// EnabledNetworks returns the parsed, deduplicated networks filter.
func (c *Config) EnabledNetworks() []models.Network {
	seen := make(map[models.Network]struct{}, len(c.Networks))
	networks := make([]models.Network, 0, len(c.Networks))

	for _, name := range c.Networks {
		network, ok := models.ParseNetwork(name)
		if !ok {
			continue
		}

		if _, dup := seen[network]; dup {
			continue
		}

		seen[network] = struct{}{}
		networks = append(networks, network)
	}

	return networks
}

// selectionProbability is the chance a candidate with the given failure
// count is probed this cycle.
func (c *Config) selectionProbability(failedAttempts int) float64 {
	p := c.BaseP * math.Pow(c.Decay, float64(failedAttempts))
	if p < c.PMin {
		return c.PMin
	}

	return p
}

// LoadConfig reads and validates the validator config file at path.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator configuration: %w", err)
	}

	return cfg, nil
}
