// Package models provides the immutable value types of the archive: relays,
// metadata documents, service state records, and the pure functions over
// Nostr events (validation, kind classification, tag value extraction,
// canonical serialization). Nothing in this package performs I/O.
package models

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// MaxEventKind is the highest kind number the archive accepts.
const MaxEventKind = 65535

var (
	// ErrEventNil is returned when a nil event is provided.
	ErrEventNil = errors.New("event cannot be nil")
	// ErrEventKindRange is returned for kinds outside 0..65535.
	ErrEventKindRange = errors.New("event kind outside valid range")
	// ErrEventIDMismatch is returned when the event id does not equal the
	// hash of the canonical serialization tuple.
	ErrEventIDMismatch = errors.New("event id does not match canonical hash")
	// ErrEventBadSignature is returned when Schnorr verification fails.
	ErrEventBadSignature = errors.New("event signature verification failed")
)

// ValidateEvent fully verifies a received event before it may be stored:
// the kind must be in range, the id must equal the SHA-256 of the canonical
// tuple [0, pubkey, created_at, kind, tags, content], and the signature
// must be a valid BIP-340 Schnorr signature of the id under the pubkey.
func ValidateEvent(ev *nostr.Event) error {
	if ev == nil {
		return ErrEventNil
	}

	if ev.Kind < 0 || ev.Kind > MaxEventKind {
		return fmt.Errorf("%w: %d", ErrEventKindRange, ev.Kind)
	}

	if ev.GetID() != ev.ID {
		return fmt.Errorf("%w: %s", ErrEventIDMismatch, ev.ID)
	}

	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventBadSignature, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrEventBadSignature, ev.ID)
	}

	return nil
}

// TagValues extracts the indexable values of an event's tags: the second
// element of every inner array whose first element is a single character,
// in tag order. This mirrors the generated column the event table derives
// from the tags JSON, so Go-side and SQL-side derivations must agree.
func TagValues(tags nostr.Tags) []string {
	values := make([]string, 0, len(tags))

	for _, tag := range tags {
		if len(tag) >= 2 && len(tag[0]) == 1 {
			values = append(values, tag[1])
		}
	}

	return values
}

// EventRelay records that an event was observed at a relay at a point in
// time. The pair is unique; the earliest observation wins.
type EventRelay struct {
	EventID  string `json:"event_id"`
	RelayURL string `json:"relay_url"`
	SeenAt   int64  `json:"seen_at"`
}

// EventObservation bundles a validated event with the relay it was seen on,
// for the atomic three-table cascade insert.
type EventObservation struct {
	Event  *nostr.Event
	Relay  Relay
	SeenAt int64
}

// KindCategory classifies an event kind per the NIP-01 ranges.
type KindCategory string

const (
	// KindRegular events are stored by relays and never replaced.
	KindRegular KindCategory = "regular"
	// KindReplaceable events keep only the latest per (pubkey, kind).
	KindReplaceable KindCategory = "replaceable"
	// KindEphemeral events are not stored by relays at all.
	KindEphemeral KindCategory = "ephemeral"
	// KindAddressable events keep the latest per (pubkey, kind, d-tag).
	KindAddressable KindCategory = "addressable"
	// KindUnclassified covers ranges NIP-01 leaves undefined.
	KindUnclassified KindCategory = "unclassified"
)

// CategorizeKind maps a kind number to its NIP-01 category:
// regular {1, 2, 4..44, 1000..9999}, replaceable {0, 3, 10000..19999},
// ephemeral {20000..29999}, addressable {30000..39999}.
func CategorizeKind(kind int) KindCategory {
	switch {
	case kind == 0 || kind == 3 || (kind >= 10000 && kind <= 19999):
		return KindReplaceable
	case kind == 1 || kind == 2 || (kind >= 4 && kind <= 44) || (kind >= 1000 && kind <= 9999):
		return KindRegular
	case kind >= 20000 && kind <= 29999:
		return KindEphemeral
	case kind >= 30000 && kind <= 39999:
		return KindAddressable
	default:
		return KindUnclassified
	}
}
