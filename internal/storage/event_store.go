package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

const (
	eventInsertQuery = `
		INSERT INTO event (id, pubkey, created_at, kind, tags, content, sig)
		SELECT id, pubkey, created_at, kind, tags::JSONB, content, sig
		FROM UNNEST($1::TEXT[], $2::TEXT[], $3::BIGINT[], $4::BIGINT[], $5::TEXT[], $6::TEXT[], $7::TEXT[])
			AS t(id, pubkey, created_at, kind, tags, content, sig)
		ON CONFLICT (id) DO NOTHING
	`

	eventRelayInsertQuery = `
		INSERT INTO event_relay (event_id, relay_url, seen_at)
		SELECT event_id, relay_url, seen_at
		FROM UNNEST($1::TEXT[], $2::TEXT[], $3::BIGINT[]) AS t(event_id, relay_url, seen_at)
		ON CONFLICT (event_id, relay_url) DO NOTHING
	`

	orphanEventDeleteQuery = `
		DELETE FROM event
		WHERE NOT EXISTS (
			SELECT 1 FROM event_relay er WHERE er.event_id = event.id
		)
	`
)

// dedupEvents drops duplicate IDs keeping the first occurrence.
func dedupEvents(events []*nostr.Event) []*nostr.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]

	for _, event := range events {
		if event == nil {
			continue
		}

		if _, dup := seen[event.ID]; dup {
			continue
		}

		seen[event.ID] = struct{}{}
		out = append(out, event)
	}

	return out
}

// eventColumns holds the parallel arrays of an event bulk insert.
type eventColumns struct {
	ids        []string
	pubkeys    []string
	createdAts []int64
	kinds      []int64
	tags       []string
	contents   []string
	sigs       []string
}

func buildEventColumns(events []*nostr.Event) (eventColumns, error) {
	cols := eventColumns{
		ids:        make([]string, len(events)),
		pubkeys:    make([]string, len(events)),
		createdAts: make([]int64, len(events)),
		kinds:      make([]int64, len(events)),
		tags:       make([]string, len(events)),
		contents:   make([]string, len(events)),
		sigs:       make([]string, len(events)),
	}

	for i, event := range events {
		tags := event.Tags
		if tags == nil {
			// marshals as [] rather than null, which the generated
			// tagvalues column cannot digest
			tags = nostr.Tags{}
		}

		rawTags, err := json.Marshal(tags)
		if err != nil {
			return eventColumns{}, fmt.Errorf("failed to serialize tags of event %s: %w", event.ID, err)
		}

		cols.ids[i] = event.ID
		cols.pubkeys[i] = event.PubKey
		cols.createdAts[i] = int64(event.CreatedAt)
		cols.kinds[i] = int64(event.Kind)
		cols.tags[i] = string(rawTags)
		cols.contents[i] = event.Content
		cols.sigs[i] = event.Sig
	}

	return cols, nil
}

func execEventInsert(ctx context.Context, db execer, events []*nostr.Event) (int64, error) {
	cols, err := buildEventColumns(events)
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, eventInsertQuery,
		pq.Array(cols.ids), pq.Array(cols.pubkeys), pq.Array(cols.createdAts), pq.Array(cols.kinds),
		pq.Array(cols.tags), pq.Array(cols.contents), pq.Array(cols.sigs))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func execEventRelayInsert(ctx context.Context, db execer, pairs []models.EventRelay) (int64, error) {
	seen := make(map[models.EventRelay]struct{}, len(pairs))
	eventIDs := make([]string, 0, len(pairs))
	relayURLs := make([]string, 0, len(pairs))
	seenAts := make([]int64, 0, len(pairs))

	for _, pair := range pairs {
		ref := models.EventRelay{EventID: pair.EventID, RelayURL: pair.RelayURL}
		if _, dup := seen[ref]; dup {
			continue
		}

		seen[ref] = struct{}{}

		eventIDs = append(eventIDs, pair.EventID)
		relayURLs = append(relayURLs, pair.RelayURL)
		seenAts = append(seenAts, pair.SeenAt)
	}

	result, err := db.ExecContext(ctx, eventRelayInsertQuery,
		pq.Array(eventIDs), pq.Array(relayURLs), pq.Array(seenAts))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// EventInsert bulk inserts validated events. The tagvalues column is derived
// by the database from the tags JSON. Duplicate IDs are skipped; returns the
// number of newly inserted rows.
func (s *Store) EventInsert(ctx context.Context, events []*nostr.Event) (int64, error) {
	deduped := dedupEvents(events)
	if len(deduped) == 0 {
		return 0, nil
	}

	var inserted int64

	err := s.conn.withConn(ctx, "event_insert", func(ctx context.Context, conn *sql.Conn) error {
		var err error
		inserted, err = execEventInsert(ctx, conn, deduped)

		return err
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// EventRelayInsert bulk inserts observation pairs. Both the event and the
// relay must already exist; the earliest seen_at per pair wins and later
// observations are no-ops.
func (s *Store) EventRelayInsert(ctx context.Context, pairs []models.EventRelay) (int64, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	var inserted int64

	err := s.conn.withConn(ctx, "event_relay_insert", func(ctx context.Context, conn *sql.Conn) error {
		var err error
		inserted, err = execEventRelayInsert(ctx, conn, pairs)

		return err
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// EventRelayInsertCascade atomically inserts relays, events, and observation
// pairs in one transaction, so a batch from a relay either lands whole or
// not at all.
func (s *Store) EventRelayInsertCascade(ctx context.Context, observations []models.EventObservation) (CascadeCounts, error) {
	if len(observations) == 0 {
		return CascadeCounts{}, nil
	}

	relays := make([]models.Relay, 0, len(observations))
	events := make([]*nostr.Event, 0, len(observations))
	pairs := make([]models.EventRelay, 0, len(observations))

	for _, obs := range observations {
		if obs.Event == nil {
			continue
		}

		relays = append(relays, obs.Relay)
		events = append(events, obs.Event)
		pairs = append(pairs, models.EventRelay{
			EventID:  obs.Event.ID,
			RelayURL: obs.Relay.URL,
			SeenAt:   obs.SeenAt,
		})
	}

	var counts CascadeCounts

	err := s.conn.withTx(ctx, "event_relay_insert_cascade", func(ctx context.Context, tx *sql.Tx) error {
		urls, networks, discovered := relayColumns(dedupRelays(relays))

		result, err := tx.ExecContext(ctx, relayInsertQuery,
			pq.Array(urls), pq.Array(networks), pq.Array(discovered))
		if err != nil {
			return err
		}

		if counts.Relays, err = result.RowsAffected(); err != nil {
			return err
		}

		if counts.Events, err = execEventInsert(ctx, tx, dedupEvents(events)); err != nil {
			return err
		}

		counts.Junctions, err = execEventRelayInsert(ctx, tx, pairs)

		return err
	})
	if err != nil {
		return CascadeCounts{}, err
	}

	return counts, nil
}

// OrphanEventDelete removes events no relay observation references anymore.
// Returns the number of rows deleted.
func (s *Store) OrphanEventDelete(ctx context.Context) (int64, error) {
	var deleted int64

	err := s.conn.withConn(ctx, "orphan_event_delete", func(ctx context.Context, conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, orphanEventDeleteQuery)
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

// EventPage reads a page of stored events in (created_at, id) ascending
// order, strictly after the cursor position, limited to the given kinds.
// This backs the finder's resumable scan for relay hints.
func (s *Store) EventPage(ctx context.Context, cursor models.EventScanCursor, kinds []int, limit int) ([]*nostr.Event, error) {
	kindList := make([]int64, len(kinds))
	for i, kind := range kinds {
		kindList[i] = int64(kind)
	}

	query := `
		SELECT id, pubkey, created_at, kind, tags, content, sig
		FROM event
		WHERE kind = ANY($1::BIGINT[])
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`

	var events []*nostr.Event

	err := s.conn.withConn(ctx, "event_page", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query,
			pq.Array(kindList), cursor.LastCreatedAt, cursor.LastID, limit)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				event     nostr.Event
				createdAt int64
				rawTags   []byte
			)

			if err := rows.Scan(&event.ID, &event.PubKey, &createdAt, &event.Kind,
				&rawTags, &event.Content, &event.Sig); err != nil {
				return err
			}

			if err := json.Unmarshal(rawTags, &event.Tags); err != nil {
				return fmt.Errorf("failed to parse tags of event %s: %w", event.ID, err)
			}

			event.CreatedAt = nostr.Timestamp(createdAt)
			events = append(events, &event)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}
