package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// Entry is one state row addressed relative to a StateHandle's service
// name.
type Entry struct {
	Type      string
	Key       string
	Payload   json.RawMessage
	UpdatedAt int64
}

// StateHandle is a typed view over the service_state table scoped to one
// owning service name. Services use it for cursors and work queues instead
// of touching the store's bulk operations directly.
type StateHandle struct {
	store *storage.Store
	name  string
}

// NewStateHandle returns a handle scoped to the named service.
func NewStateHandle(store *storage.Store, serviceName string) *StateHandle {
	return &StateHandle{store: store, name: serviceName}
}

// ServiceName returns the service name the handle is scoped to.
func (h *StateHandle) ServiceName() string {
	return h.name
}

// Put upserts the given entries under the handle's service name, returning
// how many rows were written or refreshed.
func (h *StateHandle) Put(ctx context.Context, entries ...Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	states := make([]models.ServiceState, len(entries))
	for i, entry := range entries {
		states[i] = models.ServiceState{
			ServiceName: h.name,
			StateType:   entry.Type,
			StateKey:    entry.Key,
			Payload:     entry.Payload,
			UpdatedAt:   entry.UpdatedAt,
		}
	}

	affected, err := h.store.ServiceStateUpsert(ctx, states)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %s state: %w", h.name, err)
	}

	return affected, nil
}

// Get reads one state row, or nil when it does not exist.
func (h *StateHandle) Get(ctx context.Context, stateType, key string) (*models.ServiceState, error) {
	state, err := h.store.ServiceStateGet(ctx, h.name, stateType, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s state: %w", h.name, err)
	}

	return state, nil
}

// List reads every state row of the given type, ordered by updated_at.
func (h *StateHandle) List(ctx context.Context, stateType string) ([]models.ServiceState, error) {
	states, err := h.store.ServiceStateList(ctx, h.name, stateType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s state: %w", h.name, err)
	}

	return states, nil
}

// Delete removes the named rows, returning how many existed.
func (h *StateHandle) Delete(ctx context.Context, stateType string, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	refs := make([]models.StateRef, len(keys))
	for i, key := range keys {
		refs[i] = models.StateRef{ServiceName: h.name, StateType: stateType, StateKey: key}
	}

	deleted, err := h.store.ServiceStateDelete(ctx, refs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s state: %w", h.name, err)
	}

	return deleted, nil
}
