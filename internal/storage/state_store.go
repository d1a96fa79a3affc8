package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

const (
	serviceStateUpsertQuery = `
		INSERT INTO service_state (service_name, state_type, state_key, payload, updated_at)
		SELECT service_name, state_type, state_key, payload::JSONB, updated_at
		FROM UNNEST($1::TEXT[], $2::TEXT[], $3::TEXT[], $4::TEXT[], $5::BIGINT[])
			AS t(service_name, state_type, state_key, payload, updated_at)
		ON CONFLICT (service_name, state_type, state_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`

	serviceStateGetQuery = `
		SELECT service_name, state_type, state_key, payload, updated_at
		FROM service_state
		WHERE service_name = $1 AND state_type = $2 AND state_key = $3
	`

	serviceStateListQuery = `
		SELECT service_name, state_type, state_key, payload, updated_at
		FROM service_state
		WHERE service_name = $1 AND state_type = $2
		ORDER BY updated_at ASC, state_key ASC
	`

	serviceStateDeleteQuery = `
		DELETE FROM service_state
		WHERE (service_name, state_type, state_key) IN (
			SELECT service_name, state_type, state_key
			FROM UNNEST($1::TEXT[], $2::TEXT[], $3::TEXT[])
				AS t(service_name, state_type, state_key)
		)
	`
)

// ServiceStateUpsert bulk writes state rows, replacing payload and
// updated_at on conflict. Within a batch the row with the highest
// updated_at wins; on equal timestamps the later entry wins. Returns the
// number of rows written.
func (s *Store) ServiceStateUpsert(ctx context.Context, states []models.ServiceState) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	latest := make(map[models.StateRef]models.ServiceState, len(states))
	order := make([]models.StateRef, 0, len(states))

	for _, state := range states {
		ref := state.Ref()

		existing, seen := latest[ref]
		if !seen {
			order = append(order, ref)
		}

		if !seen || state.UpdatedAt >= existing.UpdatedAt {
			latest[ref] = state
		}
	}

	services := make([]string, 0, len(order))
	types := make([]string, 0, len(order))
	keys := make([]string, 0, len(order))
	payloads := make([]string, 0, len(order))
	updatedAts := make([]int64, 0, len(order))

	for _, ref := range order {
		state := latest[ref]

		services = append(services, state.ServiceName)
		types = append(types, state.StateType)
		keys = append(keys, state.StateKey)
		payloads = append(payloads, string(state.Payload))
		updatedAts = append(updatedAts, state.UpdatedAt)
	}

	var written int64

	err := s.conn.withConn(ctx, "service_state_upsert", func(ctx context.Context, conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, serviceStateUpsertQuery,
			pq.Array(services), pq.Array(types), pq.Array(keys), pq.Array(payloads), pq.Array(updatedAts))
		if err != nil {
			return err
		}

		written, err = result.RowsAffected()

		return err
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// ServiceStateGet reads exactly one state row, or nil when absent.
func (s *Store) ServiceStateGet(ctx context.Context, serviceName, stateType, stateKey string) (*models.ServiceState, error) {
	var state models.ServiceState

	found := false

	err := s.conn.withConn(ctx, "service_state_get", func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, serviceStateGetQuery, serviceName, stateType, stateKey)

		err := row.Scan(&state.ServiceName, &state.StateType, &state.StateKey, &state.Payload, &state.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return err
		}

		found = true

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	return &state, nil
}

// ServiceStateList reads every state row of one (service, type), ordered by
// updated_at ascending so the stalest entries come first.
func (s *Store) ServiceStateList(ctx context.Context, serviceName, stateType string) ([]models.ServiceState, error) {
	var states []models.ServiceState

	err := s.conn.withConn(ctx, "service_state_list", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, serviceStateListQuery, serviceName, stateType)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var state models.ServiceState
			if err := rows.Scan(&state.ServiceName, &state.StateType, &state.StateKey,
				&state.Payload, &state.UpdatedAt); err != nil {
				return err
			}

			states = append(states, state)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return states, nil
}

// ServiceStateDelete bulk deletes state rows by address. Returns the number
// of rows actually removed.
func (s *Store) ServiceStateDelete(ctx context.Context, refs []models.StateRef) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	services := make([]string, len(refs))
	types := make([]string, len(refs))
	keys := make([]string, len(refs))

	for i, ref := range refs {
		services[i] = ref.ServiceName
		types[i] = ref.StateType
		keys[i] = ref.StateKey
	}

	var deleted int64

	err := s.conn.withConn(ctx, "service_state_delete", func(ctx context.Context, conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, serviceStateDeleteQuery,
			pq.Array(services), pq.Array(types), pq.Array(keys))
		if err != nil {
			return err
		}

		deleted, err = result.RowsAffected()

		return err
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}
