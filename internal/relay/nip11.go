package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

const (
	nip11Accept  = "application/nostr+json"
	nip11MaxBody = 1 << 20
)

// FetchInfo retrieves the relay information document per NIP-11: the relay
// URL with its scheme swapped to HTTP(S), requested with the nostr+json
// Accept header, routed over the relay's network like any other connection.
func FetchInfo(ctx context.Context, target models.Relay, opts Options) (*nip11.RelayInformationDocument, error) {
	client, err := NewHTTPClient(target, opts)
	if err != nil {
		return nil, err
	}

	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HTTPURL(target.URL), nil)
	if err != nil {
		return nil, &NetError{Kind: KindPermanentNet, Op: "nip11", URL: target.URL, Err: err}
	}

	req.Header.Set("Accept", nip11Accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyNet("nip11", target.URL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetError{
			Kind: KindPermanentNet,
			Op:   "nip11",
			URL:  target.URL,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, nip11MaxBody))
	if err != nil {
		return nil, classifyNet("nip11", target.URL, err)
	}

	var info nip11.RelayInformationDocument
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &NetError{Kind: KindProtocol, Op: "nip11", URL: target.URL, Err: err}
	}

	return &info, nil
}
