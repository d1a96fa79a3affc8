package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

const (
	writeTimeout       = 10 * time.Second
	pingInterval       = 25 * time.Second
	maxFrameSize       = 4 << 20
	writeQueueSize     = 64
	subscriptionBuffer = 256
)

// Options configure a relay connection.
type Options struct {
	Timeouts Timeouts
	Proxies  ProxyConfig
	Logger   *slog.Logger

	// AuthSigner, when set, answers relay AUTH challenges. Left nil, AUTH
	// frames are ignored.
	AuthSigner func(ctx context.Context, relayURL, challenge string) (*nostr.Event, error)
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}

	return o.Logger
}

type okResult struct {
	ok     bool
	reason string
}

// Client is one live NIP-01 connection. A read loop dispatches incoming
// frames to subscriptions and publish waiters; all writes go through a
// single write loop. Safe for concurrent use.
type Client struct {
	URL     string
	Network models.Network

	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	subs      *xsync.MapOf[string, *Subscription]
	okWaiters *xsync.MapOf[string, chan okResult]

	writeCh   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	invalidEvents  atomic.Int64
	protocolErrors atomic.Int64
}

// Connect dials the relay over its network's route and completes the
// WebSocket handshake within the network's timeout budget.
func Connect(ctx context.Context, target models.Relay, opts Options) (*Client, error) {
	dialer, err := opts.Proxies.DialerFor(target.Network)
	if err != nil {
		return nil, &NetError{Kind: KindPermanentNet, Op: "connect", URL: target.URL, Err: err}
	}

	timeout := opts.Timeouts.For(target.Network)

	wsDialer := websocket.Dialer{
		NetDialContext:   dialer.DialContext,
		HandshakeTimeout: timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := wsDialer.DialContext(dialCtx, target.URL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		return nil, classifyNet("connect", target.URL, err)
	}

	conn.SetReadLimit(maxFrameSize)

	client := &Client{
		URL:       target.URL,
		Network:   target.Network,
		conn:      conn,
		opts:      opts,
		logger:    opts.logger(),
		subs:      xsync.NewMapOf[string, *Subscription](),
		okWaiters: xsync.NewMapOf[string, chan okResult](),
		writeCh:   make(chan []byte, writeQueueSize),
		done:      make(chan struct{}),
	}

	go client.readLoop()
	go client.writeLoop()

	return client, nil
}

// Subscribe opens a REQ stream. The returned Subscription delivers
// validated events until EOSE and beyond; callers end it with Unsub.
func (c *Client) Subscribe(ctx context.Context, filters nostr.Filters) (*Subscription, error) {
	select {
	case <-c.done:
		return nil, &NetError{Kind: KindTransientNet, Op: "subscribe", URL: c.URL, Err: ErrConnectionClosed}
	default:
	}

	sub := newSubscription(c, uuid.NewString(), filters)
	c.subs.Store(sub.ID, sub)

	if err := c.send(ctx, &nostr.ReqEnvelope{SubscriptionID: sub.ID, Filters: filters}); err != nil {
		c.subs.Delete(sub.ID)

		return nil, err
	}

	return sub, nil
}

// Publish sends an event and waits for the relay's OK verdict.
func (c *Client) Publish(ctx context.Context, event *nostr.Event) error {
	waiter := make(chan okResult, 1)
	c.okWaiters.Store(event.ID, waiter)

	defer c.okWaiters.Delete(event.ID)

	if err := c.send(ctx, &nostr.EventEnvelope{Event: *event}); err != nil {
		return err
	}

	select {
	case result := <-waiter:
		if !result.ok {
			return &NetError{
				Kind: KindPermanentNet,
				Op:   "publish",
				URL:  c.URL,
				Err:  fmt.Errorf("%w: %s", ErrPublishRejected, result.reason),
			}
		}

		return nil
	case <-c.done:
		return &NetError{Kind: KindTransientNet, Op: "publish", URL: c.URL, Err: ErrConnectionClosed}
	case <-ctx.Done():
		return classifyNet("publish", c.URL, ctx.Err())
	}
}

// InvalidEvents returns how many received events failed validation.
func (c *Client) InvalidEvents() int64 {
	return c.invalidEvents.Load()
}

// ProtocolErrors returns how many frames could not be parsed.
func (c *Client) ProtocolErrors() int64 {
	return c.protocolErrors.Load()
}

// Done is closed when the connection is gone, whatever the cause.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down and releases every subscription.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)

		deadline := time.Now().Add(writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()

		c.subs.Range(func(_ string, sub *Subscription) bool {
			sub.close("connection closed")

			return true
		})
		c.subs.Clear()

		if cause != nil && !errors.Is(cause, net.ErrClosed) {
			c.logger.Debug("relay connection lost",
				slog.String("relay", c.URL),
				slog.String("error", cause.Error()),
			)
		}
	})
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)

			return
		}

		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	envelope := nostr.ParseMessage(string(payload))
	if envelope == nil {
		c.protocolErrors.Add(1)
		c.logger.Debug("unparseable relay frame", slog.String("relay", c.URL))

		return
	}

	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		c.dispatchEvent(env)
	case *nostr.EOSEEnvelope:
		if sub, ok := c.subs.Load(string(*env)); ok {
			sub.signalEOSE()
		}
	case *nostr.ClosedEnvelope:
		if sub, ok := c.subs.LoadAndDelete(env.SubscriptionID); ok {
			sub.close(env.Reason)
		}
	case *nostr.OKEnvelope:
		if waiter, ok := c.okWaiters.LoadAndDelete(env.EventID); ok {
			waiter <- okResult{ok: env.OK, reason: env.Reason}
		}
	case *nostr.NoticeEnvelope:
		c.logger.Debug("relay notice",
			slog.String("relay", c.URL),
			slog.String("notice", string(*env)),
		)
	case *nostr.AuthEnvelope:
		c.handleAuth(env)
	default:
		// COUNT and anything else the services never ask for
	}
}

func (c *Client) dispatchEvent(env *nostr.EventEnvelope) {
	if env.SubscriptionID == nil {
		c.protocolErrors.Add(1)

		return
	}

	sub, ok := c.subs.Load(*env.SubscriptionID)
	if !ok {
		// late events after CLOSE are expected, drop silently
		return
	}

	event := env.Event
	if err := models.ValidateEvent(&event); err != nil {
		c.invalidEvents.Add(1)
		c.logger.Debug("dropping invalid event",
			slog.String("relay", c.URL),
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	sub.deliver(&event)
}

func (c *Client) handleAuth(env *nostr.AuthEnvelope) {
	if c.opts.AuthSigner == nil || env.Challenge == nil {
		return
	}

	challenge := *env.Challenge

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		signed, err := c.opts.AuthSigner(ctx, c.URL, challenge)
		if err != nil || signed == nil {
			c.logger.Debug("auth challenge unanswered",
				slog.String("relay", c.URL),
			)

			return
		}

		_ = c.send(ctx, &nostr.AuthEnvelope{Event: *signed})
	}()
}

func (c *Client) send(ctx context.Context, envelope nostr.Envelope) error {
	payload, err := envelope.MarshalJSON()
	if err != nil {
		return &NetError{Kind: KindProtocol, Op: "send", URL: c.URL, Err: err}
	}

	select {
	case c.writeCh <- payload:
		return nil
	case <-c.done:
		return &NetError{Kind: KindTransientNet, Op: "send", URL: c.URL, Err: ErrConnectionClosed}
	case <-ctx.Done():
		return classifyNet("send", c.URL, ctx.Err())
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.shutdown(err)

				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(err)

				return
			}
		}
	}
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.subs.Delete(sub.ID)
	sub.close("unsubscribed")

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	closeEnv := nostr.CloseEnvelope(sub.ID)
	_ = c.send(ctx, &closeEnv)
}
