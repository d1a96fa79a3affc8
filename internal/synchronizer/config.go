package synchronizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
	"github.com/bigbrotr/bigbrotr/internal/service"
)

const minInterval = time.Minute

// Batch commits ride a single cascade statement, so the batch size stays
// inside the range the store's parameter arrays handle comfortably.
const (
	minBatchSize = 100
	maxBatchSize = 500
)

// Sentinel errors for synchronizer configuration validation.
var (
	// ErrNoNetworks indicates an empty networks filter.
	ErrNoNetworks = errors.New("networks cannot be empty")

	// ErrUnknownNetwork indicates a networks entry that is not a known
	// network name.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrProxyRequired indicates an overlay network enabled without its
	// SOCKS5 proxy address.
	ErrProxyRequired = errors.New("overlay network enabled without a proxy address")

	// ErrInvalidWorkers indicates a non-positive per-network pool size.
	ErrInvalidWorkers = errors.New("workers must be at least 1")

	// ErrInvalidKind indicates a subscription kind outside the protocol
	// range.
	ErrInvalidKind = errors.New("kinds entries must be in 0..65535")

	// ErrInvalidPageLimit indicates a non-positive subscription limit.
	ErrInvalidPageLimit = errors.New("page_limit must be at least 1")

	// ErrInvalidBatchSize indicates a commit batch outside the supported
	// range.
	ErrInvalidBatchSize = fmt.Errorf("batch_size must be in %d..%d", minBatchSize, maxBatchSize)

	// ErrInvalidQueueCap indicates a queue that cannot hold one commit
	// batch.
	ErrInvalidQueueCap = errors.New("queue_cap must be at least batch_size")

	// ErrInvalidFreshness indicates a non-positive monitor-data window.
	ErrInvalidFreshness = errors.New("freshness must be positive")

	// ErrInvalidTimeout indicates a non-positive idle timeout or relay
	// budget.
	ErrInvalidTimeout = errors.New("idle_timeout and relay_budget must be positive")
)

// Config is the synchronizer's YAML configuration.
type Config struct {
	service.RunConfig `yaml:",inline"`

	// Networks filters which relay networks this instance archives.
	Networks []string `yaml:"networks"`

	// Workers is the per-network pool size; each worker owns one relay
	// at a time.
	Workers int `yaml:"workers"`

	// Kinds restricts subscriptions to the listed event kinds. Empty
	// means no kind filter on the wire, with ephemeral kinds dropped on
	// arrival since relays are not supposed to store them anyway.
	Kinds []int `yaml:"kinds"`

	// PageLimit is the per-REQ limit; a page that fills up to it marks
	// the window as saturated and triggers a split.
	PageLimit int `yaml:"page_limit"`

	// BatchSize is how many events one cascade commit carries.
	BatchSize int `yaml:"batch_size"`

	// QueueCap bounds the per-relay queue between the subscription
	// reader and the committer.
	QueueCap int `yaml:"queue_cap"`

	// DropOnOverflow discards arriving events while the queue is full
	// instead of blocking the reader until the committer catches up.
	DropOnOverflow bool `yaml:"drop_on_overflow"`

	// Freshness is how recent a monitor read probe must be for a relay
	// to count as readable.
	Freshness config.Duration `yaml:"freshness"`

	// IdleTimeout abandons a window when the relay goes quiet before
	// EOSE.
	IdleTimeout config.Duration `yaml:"idle_timeout"`

	// RelayBudget caps the wall-clock time one relay may occupy its
	// worker slot per cycle.
	RelayBudget config.Duration `yaml:"relay_budget"`

	Timeouts relay.Timeouts    `yaml:"timeouts"`
	Proxies  relay.ProxyConfig `yaml:"proxies"`
}

// DefaultConfig returns the synchronizer defaults: clearnet only, all
// non-ephemeral kinds, full pages of 500 committed as they arrive.
func DefaultConfig() *Config {
	return &Config{
		RunConfig:   service.DefaultRunConfig(30 * time.Minute),
		Networks:    []string{string(models.NetworkClearnet)},
		Workers:     10,
		PageLimit:   500,
		BatchSize:   500,
		QueueCap:    10000,
		Freshness:   config.Duration(6 * time.Hour),
		IdleTimeout: config.Duration(30 * time.Second),
		RelayBudget: config.Duration(10 * time.Minute),
		Timeouts:    relay.DefaultTimeouts(),
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

	if c.Workers < 1 {
		return ErrInvalidWorkers
	}

	for _, kind := range c.Kinds {
		if kind < 0 || kind > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidKind, kind)
		}
	}

	if c.PageLimit < 1 {
		return ErrInvalidPageLimit
	}

	if c.BatchSize < minBatchSize || c.BatchSize > maxBatchSize {
		return ErrInvalidBatchSize
	}

	if c.QueueCap < c.BatchSize {
		return ErrInvalidQueueCap
	}

	if c.Freshness <= 0 {
		return ErrInvalidFreshness
	}

	if c.IdleTimeout <= 0 || c.RelayBudget <= 0 {
		return ErrInvalidTimeout
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

// LoadConfig reads and validates the synchronizer config file at path.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid synchronizer configuration: %w", err)
	}

	return cfg, nil
}
