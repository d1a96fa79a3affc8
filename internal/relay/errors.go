// Package relay provides the I/O substrate the services speak to the relay
// fleet with: per-network dialing (direct or SOCKS5), the NIP-01 WebSocket
// client with subscription dispatch, liveness probes, and the NIP-11
// information document fetch. URL normalization and network detection live
// in internal/models; this package starts where bytes hit the wire.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/fasthttp/websocket"
)

// ErrorKind partitions transport failures by how callers must react.
type ErrorKind string

const (
	// KindTransientNet covers timeouts, refused or reset connections, and
	// clearnet DNS hiccups. Counted against the target, retried next cycle.
	KindTransientNet ErrorKind = "transient_net"
	// KindPermanentNet covers failures retrying cannot fix: invalid
	// certificates, missing proxies, endpoints that are not relays.
	KindPermanentNet ErrorKind = "permanent_net"
	// KindProtocol covers malformed frames and invalid events. The message
	// is dropped and the connection survives.
	KindProtocol ErrorKind = "protocol"
	// KindCancelled marks context cancellation. Never counted as a failure.
	KindCancelled ErrorKind = "cancelled"
)

var (
	// ErrConnectionClosed is returned for operations on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrPublishRejected is returned when a relay answers OK false.
	ErrPublishRejected = errors.New("relay rejected event")
	// ErrProxyNotConfigured is returned when an overlay network has no
	// SOCKS5 address configured.
	ErrProxyNotConfigured = errors.New("no proxy configured for network")
	// ErrSubscriptionClosed is returned when the relay closed a
	// subscription before it produced what the caller waited for.
	ErrSubscriptionClosed = errors.New("subscription closed by relay")
)

// NetError is the classified transport error every exported operation of
// this package returns.
type NetError struct {
	Kind ErrorKind
	Op   string
	URL  string
	Err  error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("relay %s: %s: %s: %v", e.Kind, e.Op, e.URL, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying against the same target can succeed.
func (e *NetError) Transient() bool {
	return e.Kind == KindTransientNet
}

// KindOf extracts the classification from an error chain, or "" when the
// chain holds no NetError.
func KindOf(err error) ErrorKind {
	var netErr *NetError
	if errors.As(err, &netErr) {
		return netErr.Kind
	}

	return ""
}

// IsCancelled reports whether the error chain stems from cancellation.
func IsCancelled(err error) bool {
	var netErr *NetError
	if errors.As(err, &netErr) {
		return netErr.Kind == KindCancelled
	}

	return errors.Is(err, context.Canceled)
}

// classifyNet wraps a raw transport error with its kind. Dial-stage rules:
// certificate problems and non-WebSocket endpoints are permanent, timeouts
// and refused/reset connections transient, unresolvable clearnet names
// permanent only when the resolver says the name does not exist.
func classifyNet(op, url string, err error) error {
	if err == nil {
		return nil
	}

	var netErr *NetError
	if errors.As(err, &netErr) {
		return err
	}

	wrap := func(kind ErrorKind) error {
		return &NetError{Kind: kind, Op: op, URL: url, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return wrap(KindCancelled)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(KindTransientNet)
	}

	if errors.Is(err, websocket.ErrBadHandshake) {
		return wrap(KindPermanentNet)
	}

	var (
		certInvalid  x509.CertificateInvalidError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		verifyErr    *tls.CertificateVerificationError
		recordHeader tls.RecordHeaderError
	)

	if errors.As(err, &certInvalid) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &verifyErr) ||
		errors.As(err, &recordHeader) {
		return wrap(KindPermanentNet)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return wrap(KindPermanentNet)
		}

		return wrap(KindTransientNet)
	}

	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return wrap(KindTransientNet)
	}

	return wrap(KindTransientNet)
}
