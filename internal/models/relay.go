package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Network identifies the routing domain of a relay endpoint.
type Network string

const (
	// NetworkClearnet is the public internet, reached with a direct dial.
	NetworkClearnet Network = "clearnet"
	// NetworkTor is a Tor hidden service (.onion), reached via SOCKS5.
	NetworkTor Network = "tor"
	// NetworkI2P is an I2P eepsite (.i2p), reached via SOCKS5.
	NetworkI2P Network = "i2p"
	// NetworkLoki is a Lokinet SNApp (.loki), reached via SOCKS5.
	NetworkLoki Network = "loki"
)

// AllNetworks lists every supported network in a stable order.
func AllNetworks() []Network {
	return []Network{NetworkClearnet, NetworkTor, NetworkI2P, NetworkLoki}
}

// ParseNetwork converts a string into a Network, reporting whether it names
// a supported network.
func ParseNetwork(s string) (Network, bool) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkClearnet:
		return NetworkClearnet, true
	case NetworkTor:
		return NetworkTor, true
	case NetworkI2P:
		return NetworkI2P, true
	case NetworkLoki:
		return NetworkLoki, true
	default:
		return "", false
	}
}

// Valid reports whether the network is one of the supported values.
func (n Network) Valid() bool {
	switch n {
	case NetworkClearnet, NetworkTor, NetworkI2P, NetworkLoki:
		return true
	default:
		return false
	}
}

// Overlay reports whether the network requires a SOCKS5 proxy.
func (n Network) Overlay() bool {
	return n == NetworkTor || n == NetworkI2P || n == NetworkLoki
}

// DetectNetwork derives the network from a hostname by case-insensitive
// suffix match: .onion → tor, .i2p → i2p, .loki → loki, anything else
// clearnet.
func DetectNetwork(host string) Network {
	h := strings.ToLower(strings.TrimSuffix(host, "."))

	switch {
	case strings.HasSuffix(h, ".onion"):
		return NetworkTor
	case strings.HasSuffix(h, ".i2p"):
		return NetworkI2P
	case strings.HasSuffix(h, ".loki"):
		return NetworkLoki
	default:
		return NetworkClearnet
	}
}

// Relay is the identity of a discovered endpoint. URL is the canonical form
// produced by NormalizeURL; Network is derived once at construction and
// cached here so downstream code never re-detects it.
type Relay struct {
	URL          string  `json:"url"`
	Network      Network `json:"network"`
	DiscoveredAt int64   `json:"discovered_at"`
}

// NewRelay builds a Relay from a raw URL: normalizes it, detects the
// network from the normalized host, and stamps the discovery time.
func NewRelay(rawURL string, discoveredAt int64) (Relay, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Relay{}, err
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return Relay{}, fmt.Errorf("normalized URL is not parseable: %w", err)
	}

	return Relay{
		URL:          normalized,
		Network:      DetectNetwork(u.Hostname()),
		DiscoveredAt: discoveredAt,
	}, nil
}
