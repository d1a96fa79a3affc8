package relay

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription is one REQ stream on a Client. Events carries validated
// events in arrival order; EOSE is closed when the relay signals the end of
// stored events; Closed yields the reason when the relay or the client ends
// the stream. Events is never closed, so consumers terminate on EOSE,
// Closed, or their own context. Events buffered before EOSE fired may still
// be pending, so drain Events non-blocking after EOSE before moving on.
type Subscription struct {
	ID      string
	Filters nostr.Filters

	Events chan *nostr.Event
	EOSE   chan struct{}
	Closed chan string

	client    *Client
	done      chan struct{}
	eoseOnce  sync.Once
	closeOnce sync.Once
}

func newSubscription(client *Client, id string, filters nostr.Filters) *Subscription {
	return &Subscription{
		ID:      id,
		Filters: filters,
		Events:  make(chan *nostr.Event, subscriptionBuffer),
		EOSE:    make(chan struct{}),
		Closed:  make(chan string, 1),
		client:  client,
		done:    make(chan struct{}),
	}
}

// Unsub ends the stream: sends CLOSE to the relay and releases the
// subscription. Safe to call more than once.
func (s *Subscription) Unsub() {
	s.client.unsubscribe(s)
}

func (s *Subscription) deliver(event *nostr.Event) {
	select {
	case s.Events <- event:
	case <-s.done:
	case <-s.client.done:
	}
}

func (s *Subscription) signalEOSE() {
	s.eoseOnce.Do(func() {
		close(s.EOSE)
	})
}

func (s *Subscription) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)

		select {
		case s.Closed <- reason:
		default:
		}
	})
}
