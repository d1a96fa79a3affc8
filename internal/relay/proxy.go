package relay

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/models"
)

const (
	defaultClearnetTimeout = 10 * time.Second
	defaultTorTimeout      = 45 * time.Second
	defaultI2PTimeout      = 60 * time.Second
	defaultLokiTimeout     = 45 * time.Second
)

// Timeouts are the per-network handshake budgets. Overlay connections ride
// multi-hop circuits, so their budgets are far wider than clearnet's.
type Timeouts struct {
	Clearnet config.Duration `yaml:"clearnet"`
	Tor      config.Duration `yaml:"tor"`
	I2P      config.Duration `yaml:"i2p"`
	Loki     config.Duration `yaml:"loki"`
}

// DefaultTimeouts returns the stock handshake budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Clearnet: config.Duration(defaultClearnetTimeout),
		Tor:      config.Duration(defaultTorTimeout),
		I2P:      config.Duration(defaultI2PTimeout),
		Loki:     config.Duration(defaultLokiTimeout),
	}
}

// For returns the handshake budget for a network, falling back to the
// default where the configured value is unset.
func (t Timeouts) For(network models.Network) time.Duration {
	pick := func(configured config.Duration, fallback time.Duration) time.Duration {
		if configured > 0 {
			return configured.Std()
		}

		return fallback
	}

	switch network {
	case models.NetworkTor:
		return pick(t.Tor, defaultTorTimeout)
	case models.NetworkI2P:
		return pick(t.I2P, defaultI2PTimeout)
	case models.NetworkLoki:
		return pick(t.Loki, defaultLokiTimeout)
	default:
		return pick(t.Clearnet, defaultClearnetTimeout)
	}
}

// ProxyConfig holds the SOCKS5 endpoints for the overlay networks. An empty
// address disables the network: dialing it fails with
// ErrProxyNotConfigured.
type ProxyConfig struct {
	TorAddr  string `yaml:"tor_addr"`
	I2PAddr  string `yaml:"i2p_addr"`
	LokiAddr string `yaml:"loki_addr"`
}

func (p ProxyConfig) addr(network models.Network) string {
	switch network {
	case models.NetworkTor:
		return p.TorAddr
	case models.NetworkI2P:
		return p.I2PAddr
	case models.NetworkLoki:
		return p.LokiAddr
	default:
		return ""
	}
}

// Enabled reports whether the network is reachable with this configuration.
// Clearnet always is; overlays need their SOCKS5 address set.
func (p ProxyConfig) Enabled(network models.Network) bool {
	return !network.Overlay() || p.addr(network) != ""
}

// DialerFor returns the dialer reaching the given network: a direct dialer
// for clearnet, SOCKS5 for overlays. Overlay hostnames are handed to the
// proxy verbatim and never resolved locally.
func (p ProxyConfig) DialerFor(network models.Network) (proxy.ContextDialer, error) {
	if !network.Overlay() {
		return &net.Dialer{}, nil
	}

	addr := p.addr(network)
	if addr == "" {
		return nil, fmt.Errorf("%w: %s", ErrProxyNotConfigured, network)
	}

	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to build SOCKS5 dialer for %s: %w", network, err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support context dialing", network)
	}

	return contextDialer, nil
}
