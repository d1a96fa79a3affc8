package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
)

// ErrorKind categorizes storage failures so callers know whether a retry can
// help. Transient kinds are worth retrying; permanent kinds indicate a bug or
// bad data and must not be retried.
type ErrorKind string

const (
	// KindTransientPool marks acquire timeouts and pool exhaustion.
	KindTransientPool ErrorKind = "transient_pool"
	// KindTransientDB marks connection drops, deadlocks, serialization
	// failures, and statement timeouts.
	KindTransientDB ErrorKind = "transient_db"
	// KindPermanentDB marks constraint, type, and syntax violations.
	KindPermanentDB ErrorKind = "permanent_db"
	// KindCancelled marks failures caused by caller cancellation. Never
	// counted as a service failure.
	KindCancelled ErrorKind = "cancelled"
)

var (
	// ErrNoDatabaseConnection is returned when a nil connection is passed to a constructor.
	ErrNoDatabaseConnection = errors.New("no database connection provided")
	// ErrAcquireExhausted is returned when every acquire attempt failed.
	ErrAcquireExhausted = errors.New("connection acquire attempts exhausted")
)

// StorageError wraps a storage failure with its classification and the
// operation that produced it.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry could plausibly succeed.
func (e *StorageError) Transient() bool {
	return e.Kind == KindTransientPool || e.Kind == KindTransientDB
}

// IsTransient reports whether err is a retryable storage error.
func IsTransient(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Transient()
	}

	return false
}

// IsCancelled reports whether err stems from caller cancellation.
func IsCancelled(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Kind == KindCancelled
	}

	return errors.Is(err, context.Canceled)
}

// KindOf extracts the classification from err, or empty when err is not a
// StorageError.
func KindOf(err error) ErrorKind {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Kind
	}

	return ""
}

// classify wraps a raw database error into a StorageError. Classification
// follows the PostgreSQL error class taxonomy:
//
//	08xxx  connection exceptions        -> transient
//	40001  serialization_failure        -> transient
//	40P01  deadlock_detected            -> transient
//	57014  query_canceled (stmt timeout)-> transient
//	53xxx  insufficient resources       -> transient
//	22xxx  data exceptions              -> permanent
//	23xxx  integrity violations         -> permanent
//	42xxx  syntax / access violations   -> permanent
//
// Deadline expiry counts as transient; caller cancellation is its own kind so
// the service loop never counts it as a failed cycle.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}

	kind := KindPermanentDB

	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTransientDB
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		kind = KindTransientDB
	default:
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			kind = classifyPQCode(string(pqErr.Code))

			break
		}

		var netErr net.Error
		if errors.As(err, &netErr) {
			kind = KindTransientDB
		}
	}

	return &StorageError{Kind: kind, Op: op, Err: err}
}

func classifyPQCode(code string) ErrorKind {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return KindTransientDB
	case code == "40001", code == "40P01", code == "57014":
		return KindTransientDB
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		return KindPermanentDB
	default:
		return KindPermanentDB
	}
}
