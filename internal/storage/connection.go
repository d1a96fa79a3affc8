package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Connection wraps the database/sql pool with the acquire discipline every
// store procedure goes through: a per-acquire timeout, capped exponential
// backoff on transient failures, and scope-bound connections that never
// escape their closure.
type Connection struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
}

// Connect opens the pool, applies the configured limits, and verifies the
// database is reachable before returning.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime.Std())

	conn := &Connection{db: db, config: cfg, logger: logger}

	if err := conn.HealthCheck(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	logger.Info("database connection established",
		slog.String("dsn", cfg.MaskedDSN()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return conn, nil
}

// acquire checks one connection out of the pool, retrying transient failures
// with capped exponential backoff. On exhaustion the caller gets a transient
// pool error; cancellation surfaces as its own kind.
func (c *Connection) acquire(ctx context.Context) (*sql.Conn, error) {
	var lastErr error

	delay := c.config.AcquireRetryBase.Std()

	for attempt := 1; attempt <= c.config.AcquireMaxAttempts; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, c.config.AcquireTimeout.Std())
		conn, err := c.db.Conn(acquireCtx)

		cancel()

		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, classify("acquire", ctx.Err())
		}

		lastErr = err

		c.logger.Debug("connection acquire failed",
			slog.Int("attempt", attempt),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)

		if attempt == c.config.AcquireMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, classify("acquire", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.config.AcquireRetryCap.Std() {
			delay = c.config.AcquireRetryCap.Std()
		}
	}

	return nil, &StorageError{
		Kind: KindTransientPool,
		Op:   "acquire",
		Err:  fmt.Errorf("%w after %d attempts: %w", ErrAcquireExhausted, c.config.AcquireMaxAttempts, lastErr),
	}
}

// withConn runs fn with a pooled connection scoped to the call.
func (c *Connection) withConn(ctx context.Context, op string, fn func(context.Context, *sql.Conn) error) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	return classify(op, fn(ctx, conn))
}

// withTx runs fn inside a transaction scoped to the call. Rollback after a
// successful commit is a no-op.
func (c *Connection) withTx(ctx context.Context, op string, fn func(context.Context, *sql.Tx) error) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return classify(op, err)
	}

	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// HealthCheck verifies the database answers on a freshly acquired connection.
func (c *Connection) HealthCheck(ctx context.Context) error {
	return c.withConn(ctx, "health_check", func(ctx context.Context, conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

// Close releases the pool.
func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}

	return c.db.Close()
}
