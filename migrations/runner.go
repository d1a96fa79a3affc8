package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Runner applies the embedded migrations to a PostgreSQL database using
// golang-migrate with the iofs source driver.
type Runner struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *slog.Logger
}

// migrateLogger bridges golang-migrate's logging onto slog.
type migrateLogger struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

// NewRunner validates the embedded migrations, opens a database connection,
// and builds a ready-to-use Runner. Close must be called when done.
func NewRunner(config *Config, logger *slog.Logger) (*Runner, error) {
	source, err := Source()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: config.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{
		config:  config,
		migrate: m,
		db:      db,
		logger:  logger,
	}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	r.logger.Info("applying pending migrations")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no new migrations to apply")
	} else {
		r.logger.Info("all migrations applied")
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	r.logger.Info("rolling back last migration")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no migrations to roll back")
	} else {
		r.logger.Info("last migration rolled back")
	}

	return nil
}

// Status logs the current database version, whether it is dirty, and how it
// compares to the latest embedded migration.
func (r *Runner) Status() error {
	latest, err := LatestVersion(embeddedFiles)
	if err != nil {
		return fmt.Errorf("failed to determine latest embedded version: %w", err)
	}

	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			r.logger.Info("migration status",
				slog.Int("database_version", 0),
				slog.Int("latest_version", latest),
				slog.String("state", "no migrations applied"),
			)

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	r.logger.Info("migration status",
		slog.Int("database_version", int(version)), // #nosec G115 - version numbers are small
		slog.Int("latest_version", latest),
		slog.String("state", state),
	)

	return nil
}

// Version logs the current database migration version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			r.logger.Info("no migrations applied")

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	r.logger.Info("current version",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// Drop removes every table in the database. Destructive; the CLI requires
// confirmation before calling it.
func (r *Runner) Drop() error {
	r.logger.Warn("dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Info("all tables dropped")

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
