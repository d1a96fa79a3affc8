// Package storage owns every database mutation in the archive. Services
// never write SQL; they call the bulk insert, cascade, upsert, and cleanup
// procedures defined here, all of which are idempotent, deduplicate within a
// batch, and classify failures as transient or permanent.
package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// execer is the statement surface shared by *sql.Conn and *sql.Tx, so bulk
// insert helpers run identically inside and outside transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Batched cleanup tuning shared by the retention and orphan GC procedures.
const (
	// batchSleepDuration is the pause between delete batches so cleanup
	// never starves foreground queries.
	batchSleepDuration = 100 * time.Millisecond
	// defaultCleanupBatchSize bounds one delete batch when the caller does
	// not pick a size, keeping row locks short.
	defaultCleanupBatchSize = 10000
)

// Store implements the typed write and read procedures over a pooled
// connection. All methods are safe for concurrent use.
type Store struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStore wraps a live connection. The connection stays owned by the
// caller; closing the store does not close it.
func NewStore(conn *Connection, logger *slog.Logger) (*Store, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Store{conn: conn, logger: logger}, nil
}

// HealthCheck verifies the underlying connection answers.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// CascadeCounts reports how many rows each table of a cascade insert gained.
type CascadeCounts struct {
	Relays    int64
	Events    int64
	Metadata  int64
	Junctions int64
}
