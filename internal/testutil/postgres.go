// Package testutil provides shared integration test infrastructure. Tests
// that need a real database bring up a throwaway PostgreSQL container through
// here, migrated with the same embedded schema the migrate CLI ships.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/bigbrotr/bigbrotr/migrations"
)

const (
	// Postgres logs the ready line once during init and again after the
	// restart that follows, so wait for the second occurrence.
	readyLogOccurrences = 2
	startupTimeout      = 120 * time.Second
)

// TestDatabase bundles the container, an open connection, and the connection
// string for integration tests.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	ConnStr    string
}

// SetupTestDatabase starts a PostgreSQL 16 container, waits for it to accept
// connections, and applies the embedded migrations. Cleanup is the caller's
// responsibility:
//
//	testDB := testutil.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("bigbrotr_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogOccurrences).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	require.NotNil(t, container, "postgres container is nil")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "failed to open database connection")

	if err := applyMigrations(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("failed to apply migrations: %v", err)
	}

	return &TestDatabase{
		Container:  container,
		Connection: conn,
		ConnStr:    connStr,
	}
}

// applyMigrations brings the fresh container up to the latest embedded
// migration so the schema under test is always the schema that ships.
func applyMigrations(db *sql.DB) error {
	source, err := migrations.Source()
	if err != nil {
		return err
	}

	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
