package models

import (
	"encoding/json"
	"fmt"
)

// Service names used as the service_name key of service state rows.
const (
	ServiceSeeder       = "seeder"
	ServiceFinder       = "finder"
	ServiceValidator    = "validator"
	ServiceMonitor      = "monitor"
	ServiceSynchronizer = "synchronizer"
)

// State types used as the state_type key of service state rows.
const (
	// StateTypeCandidate rows hold discovered-but-unvalidated relay URLs,
	// owned by the validator service and written by seeder and finder.
	StateTypeCandidate = "candidate"
	// StateTypeCursor rows hold resumable scan positions.
	StateTypeCursor = "cursor"
)

// EventScanCursorKey is the state key of the finder's event scan cursor.
const EventScanCursorKey = "events"

// ServiceState is one row of the per-service key/value table. Payload is an
// opaque JSON document whose shape is owned by the writing service.
type ServiceState struct {
	ServiceName string          `json:"service_name"`
	StateType   string          `json:"state_type"`
	StateKey    string          `json:"state_key"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAt   int64           `json:"updated_at"`
}

// StateRef addresses one service state row without its payload, for bulk
// deletes.
type StateRef struct {
	ServiceName string
	StateType   string
	StateKey    string
}

// Ref returns the address of this state row.
func (s ServiceState) Ref() StateRef {
	return StateRef{ServiceName: s.ServiceName, StateType: s.StateType, StateKey: s.StateKey}
}

// Candidate is the payload of a candidate row: a normalized URL (the state
// key) waiting for validation, with its detected network, the number of
// consecutive failed validation attempts, and the discovery timestamp.
type Candidate struct {
	Network        Network `json:"network"`
	FailedAttempts int     `json:"failed_attempts"`
	DiscoveredAt   int64   `json:"discovered_at"`
}

// NewCandidate builds a fresh candidate payload for a URL discovered now.
func NewCandidate(network Network, discoveredAt int64) Candidate {
	return Candidate{
		Network:        network,
		FailedAttempts: 0,
		DiscoveredAt:   discoveredAt,
	}
}

// Marshal serializes the candidate payload for a service state upsert.
func (c Candidate) Marshal() (json.RawMessage, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize candidate payload: %w", err)
	}

	return payload, nil
}

// ParseCandidate decodes a candidate payload from a service state row.
func ParseCandidate(payload json.RawMessage) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(payload, &c); err != nil {
		return Candidate{}, fmt.Errorf("failed to parse candidate payload: %w", err)
	}

	return c, nil
}

// SyncCursor is the payload of a synchronizer cursor row: the highest
// created_at committed for the relay named by the state key. Since is
// non-decreasing over the lifetime of the relay.
type SyncCursor struct {
	Since int64 `json:"since"`
}

// Marshal serializes the cursor payload for a service state upsert.
func (c SyncCursor) Marshal() (json.RawMessage, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sync cursor: %w", err)
	}

	return payload, nil
}

// ParseSyncCursor decodes a synchronizer cursor payload.
func ParseSyncCursor(payload json.RawMessage) (SyncCursor, error) {
	var c SyncCursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return SyncCursor{}, fmt.Errorf("failed to parse sync cursor: %w", err)
	}

	return c, nil
}

// EventScanCursor is the payload of the finder's event scan cursor: the
// (created_at, id) position of the last event examined, so each cycle
// resumes strictly after it.
type EventScanCursor struct {
	LastCreatedAt int64  `json:"last_created_at"`
	LastID        string `json:"last_id"`
}

// Marshal serializes the cursor payload for a service state upsert.
func (c EventScanCursor) Marshal() (json.RawMessage, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event scan cursor: %w", err)
	}

	return payload, nil
}

// ParseEventScanCursor decodes the finder's event scan cursor payload.
func ParseEventScanCursor(payload json.RawMessage) (EventScanCursor, error) {
	var c EventScanCursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return EventScanCursor{}, fmt.Errorf("failed to parse event scan cursor: %w", err)
	}

	return c, nil
}
