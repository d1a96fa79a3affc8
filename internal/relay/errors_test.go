package relay

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/fasthttp/websocket"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyNet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "context cancelled", err: context.Canceled, want: KindCancelled},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: KindTransientNet},
		{name: "bad handshake", err: websocket.ErrBadHandshake, want: KindPermanentNet},
		{name: "dns not found", err: &net.DNSError{Err: "no such host", IsNotFound: true}, want: KindPermanentNet},
		{name: "dns timeout", err: &net.DNSError{Err: "timeout", IsTimeout: true}, want: KindTransientNet},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: timeoutError{}}, want: KindTransientNet},
		{name: "connection refused", err: errors.New("connect: connection refused"), want: KindTransientNet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyNet("dial", "wss://relay.example.com", tt.err)

			var netErr *NetError
			if !errors.As(err, &netErr) {
				t.Fatalf("classifyNet() did not produce a NetError: %v", err)
			}

			if netErr.Kind != tt.want {
				t.Errorf("classifyNet(%v).Kind = %s, want %s", tt.err, netErr.Kind, tt.want)
			}

			if netErr.Op != "dial" || netErr.URL != "wss://relay.example.com" {
				t.Errorf("classifyNet() lost op/url: %+v", netErr)
			}

			if !errors.Is(err, tt.err) {
				t.Error("classifyNet() must wrap the original error")
			}
		})
	}
}

func TestClassifyNetNil(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := classifyNet("dial", "wss://relay.example.com", nil); err != nil {
		t.Errorf("classifyNet(nil) = %v, want nil", err)
	}
}

func TestClassifyNetPassthrough(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	original := &NetError{Kind: KindProtocol, Op: "send", URL: "wss://a", Err: errors.New("bad frame")}

	classified := classifyNet("dial", "wss://b", original)

	var netErr *NetError
	if !errors.As(classified, &netErr) {
		t.Fatal("expected NetError")
	}

	if netErr.Op != "send" || netErr.Kind != KindProtocol {
		t.Errorf("classifyNet() rewrapped an already classified error: %+v", netErr)
	}
}

func TestNetErrorAccessors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	transient := &NetError{Kind: KindTransientNet, Op: "dial", URL: "wss://a", Err: context.DeadlineExceeded}
	if !transient.Transient() {
		t.Error("Transient() = false for transient_net")
	}

	if KindOf(transient) != KindTransientNet {
		t.Errorf("KindOf() = %s, want %s", KindOf(transient), KindTransientNet)
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf(plain error) should be empty")
	}

	if !IsCancelled(classifyNet("dial", "wss://a", context.Canceled)) {
		t.Error("IsCancelled() should detect classified cancellation")
	}

	if IsCancelled(transient) {
		t.Error("IsCancelled() misfired on a transient error")
	}
}
