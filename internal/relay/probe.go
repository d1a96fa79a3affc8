package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// probeEventKind sits in the ephemeral range, so relays accepting the write
// probe never store it.
const probeEventKind = 20000

// ProbeDial measures a full connect: route, WebSocket handshake, close.
// The elapsed time is returned even on failure.
func ProbeDial(ctx context.Context, target models.Relay, opts Options) (time.Duration, error) {
	start := time.Now()

	client, err := Connect(ctx, target, opts)
	elapsed := time.Since(start)

	if err != nil {
		return elapsed, err
	}

	client.Close()

	return elapsed, nil
}

// ProbeRead measures how long the relay takes to answer a minimal REQ with
// an EVENT or EOSE frame.
func (c *Client) ProbeRead(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	sub, err := c.Subscribe(ctx, nostr.Filters{{Limit: 1}})
	if err != nil {
		return time.Since(start), err
	}

	defer sub.Unsub()

	select {
	case <-sub.Events:
	case <-sub.EOSE:
	case reason := <-sub.Closed:
		return time.Since(start), &NetError{
			Kind: KindPermanentNet,
			Op:   "probe_read",
			URL:  c.URL,
			Err:  fmt.Errorf("%w: %s", ErrSubscriptionClosed, reason),
		}
	case <-c.done:
		return time.Since(start), &NetError{Kind: KindTransientNet, Op: "probe_read", URL: c.URL, Err: ErrConnectionClosed}
	case <-ctx.Done():
		return time.Since(start), classifyNet("probe_read", c.URL, ctx.Err())
	}

	return time.Since(start), nil
}

// ProbeWrite signs an ephemeral event with the given hex key, publishes it,
// and measures how long the relay takes to acknowledge it with OK true.
func (c *Client) ProbeWrite(ctx context.Context, secretKey string) (time.Duration, error) {
	event := &nostr.Event{
		Kind:      probeEventKind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   "",
	}

	if err := event.Sign(secretKey); err != nil {
		return 0, &NetError{Kind: KindProtocol, Op: "probe_write", URL: c.URL, Err: err}
	}

	start := time.Now()
	err := c.Publish(ctx, event)

	return time.Since(start), err
}
