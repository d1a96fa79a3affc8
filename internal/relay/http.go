package relay

import (
	"net/http"
	"strings"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// HTTPURL returns the relay URL with its websocket scheme swapped to the
// corresponding HTTP scheme, the address NIP-11 documents and HTTP probes
// live at.
func HTTPURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}

// NewHTTPClient builds an HTTP client that reaches the relay the same way
// the websocket dial does: through the network's proxy, bounded by the
// network's timeout. Callers should CloseIdleConnections when done.
func NewHTTPClient(target models.Relay, opts Options) (*http.Client, error) {
	dialer, err := opts.Proxies.DialerFor(target.Network)
	if err != nil {
		return nil, &NetError{Kind: KindPermanentNet, Op: "http", URL: target.URL, Err: err}
	}

	return &http.Client{
		Transport: &http.Transport{DialContext: dialer.DialContext},
		Timeout:   opts.Timeouts.For(target.Network),
	}, nil
}
