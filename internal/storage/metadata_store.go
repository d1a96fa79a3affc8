package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

const (
	metadataInsertQuery = `
		INSERT INTO metadata (id, type, data)
		SELECT id, type, data::JSONB
		FROM UNNEST($1::TEXT[], $2::TEXT[], $3::TEXT[]) AS t(id, type, data)
		ON CONFLICT (id, type) DO NOTHING
	`

	relayMetadataInsertQuery = `
		INSERT INTO relay_metadata (relay_url, metadata_id, metadata_type, generated_at)
		SELECT relay_url, metadata_id, metadata_type, generated_at
		FROM UNNEST($1::TEXT[], $2::TEXT[], $3::TEXT[], $4::BIGINT[])
			AS t(relay_url, metadata_id, metadata_type, generated_at)
		ON CONFLICT (relay_url, generated_at, metadata_type) DO NOTHING
	`

	relayMetadataDeleteExpiredQuery = `
		DELETE FROM relay_metadata
		WHERE (relay_url, generated_at, metadata_type) IN (
			SELECT relay_url, generated_at, metadata_type
			FROM relay_metadata
			WHERE generated_at < $1
			ORDER BY generated_at ASC
			LIMIT $2
		)
	`

	orphanMetadataDeleteQuery = `
		DELETE FROM metadata
		WHERE (id, type) IN (
			SELECT m.id, m.type
			FROM metadata m
			WHERE NOT EXISTS (
				SELECT 1 FROM relay_metadata rm
				WHERE rm.metadata_id = m.id AND rm.metadata_type = m.type
			)
			LIMIT $1
		)
	`
)

type relayMetadataKey struct {
	relayURL     string
	generatedAt  int64
	metadataType models.MetadataType
}

func execMetadataInsert(ctx context.Context, db execer, metas []models.Metadata) (int64, error) {
	type metaKey struct {
		id  string
		typ models.MetadataType
	}

	seen := make(map[metaKey]struct{}, len(metas))
	ids := make([]string, 0, len(metas))
	types := make([]string, 0, len(metas))
	data := make([]string, 0, len(metas))

	for _, meta := range metas {
		key := metaKey{id: meta.ID, typ: meta.Type}
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		ids = append(ids, meta.ID)
		types = append(types, string(meta.Type))
		data = append(data, string(meta.Data))
	}

	result, err := db.ExecContext(ctx, metadataInsertQuery,
		pq.Array(ids), pq.Array(types), pq.Array(data))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func execRelayMetadataInsert(ctx context.Context, db execer, links []models.RelayMetadata) (int64, error) {
	seen := make(map[relayMetadataKey]struct{}, len(links))
	relayURLs := make([]string, 0, len(links))
	metadataIDs := make([]string, 0, len(links))
	metadataTypes := make([]string, 0, len(links))
	generatedAts := make([]int64, 0, len(links))

	for _, link := range links {
		key := relayMetadataKey{
			relayURL:     link.RelayURL,
			generatedAt:  link.GeneratedAt,
			metadataType: link.MetadataType,
		}
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		relayURLs = append(relayURLs, link.RelayURL)
		metadataIDs = append(metadataIDs, link.MetadataID)
		metadataTypes = append(metadataTypes, string(link.MetadataType))
		generatedAts = append(generatedAts, link.GeneratedAt)
	}

	result, err := db.ExecContext(ctx, relayMetadataInsertQuery,
		pq.Array(relayURLs), pq.Array(metadataIDs), pq.Array(metadataTypes), pq.Array(generatedAts))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// MetadataInsert bulk inserts content-addressed documents. Duplicate
// (id, type) pairs are skipped; returns the number of newly inserted rows.
func (s *Store) MetadataInsert(ctx context.Context, metas []models.Metadata) (int64, error) {
	if len(metas) == 0 {
		return 0, nil
	}

	var inserted int64

	err := s.conn.withConn(ctx, "metadata_insert", func(ctx context.Context, conn *sql.Conn) error {
		var err error
		inserted, err = execMetadataInsert(ctx, conn, metas)

		return err
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// RelayMetadataInsert bulk inserts time-series links. Both the relay and
// the metadata document must already exist.
func (s *Store) RelayMetadataInsert(ctx context.Context, links []models.RelayMetadata) (int64, error) {
	if len(links) == 0 {
		return 0, nil
	}

	var inserted int64

	err := s.conn.withConn(ctx, "relay_metadata_insert", func(ctx context.Context, conn *sql.Conn) error {
		var err error
		inserted, err = execRelayMetadataInsert(ctx, conn, links)

		return err
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// RelayMetadataInsertCascade atomically inserts relays, metadata documents,
// and their time-series links in one transaction.
func (s *Store) RelayMetadataInsertCascade(ctx context.Context, observations []models.MetadataObservation) (CascadeCounts, error) {
	if len(observations) == 0 {
		return CascadeCounts{}, nil
	}

	relays := make([]models.Relay, 0, len(observations))
	metas := make([]models.Metadata, 0, len(observations))
	links := make([]models.RelayMetadata, 0, len(observations))

	for _, obs := range observations {
		relays = append(relays, obs.Relay)
		metas = append(metas, obs.Metadata)
		links = append(links, models.RelayMetadata{
			RelayURL:     obs.Relay.URL,
			MetadataID:   obs.Metadata.ID,
			MetadataType: obs.Metadata.Type,
			GeneratedAt:  obs.GeneratedAt,
		})
	}

	var counts CascadeCounts

	err := s.conn.withTx(ctx, "relay_metadata_insert_cascade", func(ctx context.Context, tx *sql.Tx) error {
		urls, networks, discovered := relayColumns(dedupRelays(relays))

		result, err := tx.ExecContext(ctx, relayInsertQuery,
			pq.Array(urls), pq.Array(networks), pq.Array(discovered))
		if err != nil {
			return err
		}

		if counts.Relays, err = result.RowsAffected(); err != nil {
			return err
		}

		if counts.Metadata, err = execMetadataInsert(ctx, tx, metas); err != nil {
			return err
		}

		counts.Junctions, err = execRelayMetadataInsert(ctx, tx, links)

		return err
	})
	if err != nil {
		return CascadeCounts{}, err
	}

	return counts, nil
}

// RelayMetadataDeleteExpired enforces retention: links older than maxAge are
// deleted in batches until drained, with a short pause between batches so
// cleanup never starves foreground work. Returns the total rows deleted.
func (s *Store) RelayMetadataDeleteExpired(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize < 1 {
		batchSize = defaultCleanupBatchSize
	}

	cutoff := time.Now().Add(-maxAge).Unix()

	return s.batchedDelete(ctx, "relay_metadata_delete_expired", batchSize,
		func(ctx context.Context, conn *sql.Conn) (sql.Result, error) {
			return conn.ExecContext(ctx, relayMetadataDeleteExpiredQuery, cutoff, batchSize)
		})
}

// OrphanMetadataDelete removes metadata documents no link references
// anymore, in batches until drained. Returns the total rows deleted.
func (s *Store) OrphanMetadataDelete(ctx context.Context, batchSize int) (int64, error) {
	if batchSize < 1 {
		batchSize = defaultCleanupBatchSize
	}

	return s.batchedDelete(ctx, "orphan_metadata_delete", batchSize,
		func(ctx context.Context, conn *sql.Conn) (sql.Result, error) {
			return conn.ExecContext(ctx, orphanMetadataDeleteQuery, batchSize)
		})
}

// batchedDelete runs one delete statement repeatedly until it affects fewer
// rows than the batch size, pausing between batches and respecting
// cancellation mid-drain.
func (s *Store) batchedDelete(
	ctx context.Context,
	op string,
	batchSize int,
	deleteBatch func(context.Context, *sql.Conn) (sql.Result, error),
) (int64, error) {
	var total int64

	start := time.Now()
	batches := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, classify(op, err)
		}

		var affected int64

		err := s.conn.withConn(ctx, op, func(ctx context.Context, conn *sql.Conn) error {
			result, err := deleteBatch(ctx, conn)
			if err != nil {
				return err
			}

			affected, err = result.RowsAffected()

			return err
		})
		if err != nil {
			return total, err
		}

		total += affected
		batches++

		if affected < int64(batchSize) {
			break
		}

		select {
		case <-ctx.Done():
			return total, classify(op, ctx.Err())
		case <-time.After(batchSleepDuration):
		}
	}

	if total > 0 {
		s.logger.Info("cleanup finished",
			slog.String("op", op),
			slog.Int64("rows_deleted", total),
			slog.Int("batches", batches),
			slog.Duration("duration", time.Since(start)),
		)
	}

	return total, nil
}
