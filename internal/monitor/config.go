package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
	"github.com/bigbrotr/bigbrotr/internal/service"
)

const (
	minInterval          = time.Minute
	defaultPrivateKeyEnv = "BIGBROTR_PRIVATE_KEY" // pragma: allowlist secret
)

// Sentinel errors for monitor configuration validation.
var (
	// ErrNoNetworks indicates an empty networks filter.
	ErrNoNetworks = errors.New("networks cannot be empty")

	// ErrUnknownNetwork indicates a networks entry that is not a known
	// network name.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrProxyRequired indicates an overlay network enabled without its
	// SOCKS5 proxy address.
	ErrProxyRequired = errors.New("overlay network enabled without a proxy address")

	// ErrUnknownCheck indicates a compute or store entry that is not a
	// metadata type.
	ErrUnknownCheck = errors.New("unknown check type")

	// ErrStoreNotComputed indicates a store entry missing from compute.
	ErrStoreNotComputed = errors.New("stored checks must be a subset of computed checks")

	// ErrInvalidWorkers indicates a non-positive per-network pool size.
	ErrInvalidWorkers = errors.New("workers must be at least 1")

	// ErrGeoDBRequired indicates the geo check enabled without an mmdb path.
	ErrGeoDBRequired = errors.New("nip66_geo requires a geoip database path")

	// ErrInvalidCleanupBatch indicates a non-positive cleanup batch size.
	ErrInvalidCleanupBatch = errors.New("cleanup_batch must be at least 1")

	// ErrInvalidPublishRelay indicates an unusable publish relay URL.
	ErrInvalidPublishRelay = errors.New("invalid publish relay URL")
)

// Config is the monitor's YAML configuration.
type Config struct {
	service.RunConfig `yaml:",inline"`

	// Networks filters which relay networks this instance monitors.
	Networks []string `yaml:"networks"`

	// Compute lists the checks to run each cycle; Store the subset whose
	// results are persisted. Store must be contained in Compute.
	Compute []string `yaml:"compute"`
	Store   []string `yaml:"store"`

	// Workers is the check pool size per network.
	Workers int `yaml:"workers"`

	// GeoCityPath and GeoASNPath locate the GeoLite2 databases for the
	// nip66_geo check. At least the city database is required when the
	// check is computed.
	GeoCityPath string `yaml:"geoip_city_path"`
	GeoASNPath  string `yaml:"geoip_asn_path"`

	// Retention bounds how long relay_metadata rows are kept; zero
	// disables the end-of-cycle cleanup. CleanupBatch sizes its deletes.
	Retention    config.Duration `yaml:"retention"`
	CleanupBatch int             `yaml:"cleanup_batch"`

	// PublishRelays receive the signed NIP-66 announcement and discovery
	// events. PrivateKeyEnv names the environment variable holding the
	// hex private key; publishing is skipped when either is missing.
	PublishRelays []string `yaml:"publish_relays"`
	PrivateKeyEnv string   `yaml:"private_key_env"`

	Timeouts relay.Timeouts    `yaml:"timeouts"`
	Proxies  relay.ProxyConfig `yaml:"proxies"`
}

// DefaultConfig returns the monitor defaults: clearnet only, every check
// computed and stored except geo (which needs a database path), no
// retention cleanup, no publishing.
func DefaultConfig() *Config {
	checks := []string{
		string(models.MetadataNIP11Info),
		string(models.MetadataNIP66RTT),
		string(models.MetadataNIP66SSL),
		string(models.MetadataNIP66DNS),
		string(models.MetadataNIP66NET),
		string(models.MetadataNIP66HTTP),
	}

	return &Config{
		RunConfig:     service.DefaultRunConfig(time.Hour),
		Networks:      []string{string(models.NetworkClearnet)},
		Compute:       checks,
		Store:         checks,
		Workers:       10,
		CleanupBatch:  1000,
		PrivateKeyEnv: defaultPrivateKeyEnv,
		Timeouts:      relay.DefaultTimeouts(),
	}
}

// Validate checks the configuration, including the cross-field rules:
// stored checks must be computed, overlay networks need proxies, and the
// geo check needs a database.
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

	computed := make(map[models.MetadataType]struct{}, len(c.Compute))

	for _, name := range c.Compute {
		checkType := models.MetadataType(name)
		if !checkType.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownCheck, name)
		}

		computed[checkType] = struct{}{}
	}

	for _, name := range c.Store {
		checkType := models.MetadataType(name)
		if !checkType.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownCheck, name)
		}

		if _, ok := computed[checkType]; !ok {
			return fmt.Errorf("%w: %q", ErrStoreNotComputed, name)
		}
	}

	if _, ok := computed[models.MetadataNIP66GEO]; ok && c.GeoCityPath == "" && c.GeoASNPath == "" {
		return ErrGeoDBRequired
	}

	if c.Workers < 1 {
		return ErrInvalidWorkers
	}

	if c.Retention.Std() > 0 && c.CleanupBatch < 1 {
		return ErrInvalidCleanupBatch
	}

	for _, raw := range c.PublishRelays {
		if _, err := models.NormalizeURL(raw); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidPublishRelay, raw, err)
		}
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

// ComputedChecks returns the parsed compute set in config order.
func (c *Config) ComputedChecks() []models.MetadataType {
	checks := make([]models.MetadataType, 0, len(c.Compute))

	for _, name := range c.Compute {
		checkType := models.MetadataType(name)
		if checkType.Valid() {
			checks = append(checks, checkType)
		}
	}

	return checks
}

// StoredChecks returns the parsed store set.
func (c *Config) StoredChecks() map[models.MetadataType]struct{} {
	stored := make(map[models.MetadataType]struct{}, len(c.Store))

	for _, name := range c.Store {
		checkType := models.MetadataType(name)
		if checkType.Valid() {
			stored[checkType] = struct{}{}
		}
	}

	return stored
}

// LoadConfig reads and validates the monitor config file at path.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor configuration: %w", err)
	}

	return cfg, nil
}
