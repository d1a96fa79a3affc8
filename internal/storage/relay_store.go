package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

const relayInsertQuery = `
	INSERT INTO relay (url, network, discovered_at)
	SELECT url, network, discovered_at
	FROM UNNEST($1::TEXT[], $2::TEXT[], $3::BIGINT[]) AS t(url, network, discovered_at)
	ON CONFLICT (url) DO NOTHING
`

// dedupRelays drops duplicate URLs keeping the first occurrence.
func dedupRelays(relays []models.Relay) []models.Relay {
	seen := make(map[string]struct{}, len(relays))
	out := relays[:0:0]

	for _, relay := range relays {
		if _, dup := seen[relay.URL]; dup {
			continue
		}

		seen[relay.URL] = struct{}{}
		out = append(out, relay)
	}

	return out
}

func relayColumns(relays []models.Relay) (urls, networks []string, discovered []int64) {
	urls = make([]string, len(relays))
	networks = make([]string, len(relays))
	discovered = make([]int64, len(relays))

	for i, relay := range relays {
		urls[i] = relay.URL
		networks[i] = string(relay.Network)
		discovered[i] = relay.DiscoveredAt
	}

	return urls, networks, discovered
}

// RelayInsert bulk inserts relays. Duplicate URLs, in the batch or already
// stored, are silently skipped; discovered_at is never updated. Returns the
// number of newly inserted rows.
func (s *Store) RelayInsert(ctx context.Context, relays []models.Relay) (int64, error) {
	if len(relays) == 0 {
		return 0, nil
	}

	urls, networks, discovered := relayColumns(dedupRelays(relays))

	var inserted int64

	err := s.conn.withConn(ctx, "relay_insert", func(ctx context.Context, conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, relayInsertQuery,
			pq.Array(urls), pq.Array(networks), pq.Array(discovered))
		if err != nil {
			return err
		}

		inserted, err = result.RowsAffected()

		return err
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// RelayAll returns every stored relay, optionally filtered to a set of
// networks. Results are ordered by URL for deterministic iteration.
func (s *Store) RelayAll(ctx context.Context, networks []models.Network) ([]models.Relay, error) {
	query := `SELECT url, network, discovered_at FROM relay ORDER BY url`
	args := []any{}

	if len(networks) > 0 {
		names := make([]string, len(networks))
		for i, network := range networks {
			names[i] = string(network)
		}

		query = `SELECT url, network, discovered_at FROM relay WHERE network = ANY($1::TEXT[]) ORDER BY url`
		args = append(args, pq.Array(names))
	}

	var relays []models.Relay

	err := s.conn.withConn(ctx, "relay_all", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var relay models.Relay
			if err := rows.Scan(&relay.URL, &relay.Network, &relay.DiscoveredAt); err != nil {
				return err
			}

			relays = append(relays, relay)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return relays, nil
}

// RelayURLSet returns the set of stored relay URLs, used to filter known
// relays out of freshly discovered candidates.
func (s *Store) RelayURLSet(ctx context.Context) (map[string]struct{}, error) {
	urls := make(map[string]struct{})

	err := s.conn.withConn(ctx, "relay_url_set", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT url FROM relay`)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				return err
			}

			urls[url] = struct{}{}
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return urls, nil
}

// SyncTargets returns relays whose most recent RTT check within the
// freshness window recorded a successful read probe. An empty result means
// the caller should fall back to the full relay set.
func (s *Store) SyncTargets(ctx context.Context, freshness time.Duration, networks []models.Network) ([]models.Relay, error) {
	cutoff := time.Now().Add(-freshness).Unix()

	query := `
		SELECT DISTINCT r.url, r.network, r.discovered_at
		FROM relay r
		JOIN relay_metadata rm ON rm.relay_url = r.url
		JOIN metadata m ON m.id = rm.metadata_id AND m.type = rm.metadata_type
		WHERE rm.metadata_type = $1
		  AND rm.generated_at >= $2
		  AND m.data ->> 'rtt_read' IS NOT NULL
	`
	args := []any{string(models.MetadataNIP66RTT), cutoff}

	if len(networks) > 0 {
		names := make([]string, len(networks))
		for i, network := range networks {
			names[i] = string(network)
		}

		query += ` AND r.network = ANY($3::TEXT[])`

		args = append(args, pq.Array(names))
	}

	query += ` ORDER BY r.url`

	var relays []models.Relay

	err := s.conn.withConn(ctx, "sync_targets", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var relay models.Relay
			if err := rows.Scan(&relay.URL, &relay.Network, &relay.DiscoveredAt); err != nil {
				return err
			}

			relays = append(relays, relay)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return relays, nil
}
