package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a conditional update matched no row, e.g. a
// status transition raced with another writer or a binding was already closed.
var ErrConflict = errors.New("storage: conflict")

// isUniqueViolation reports whether err is a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsTransient reports whether err is a transient storage failure worth
// retrying: serialization failures, deadlocks, and connection-level drops.
// WithRetry consults this; callers holding their own retry loops can too.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"57P03": // cannot_connect_now
		return true
	}
	// Class 08: connection exceptions.
	return strings.HasPrefix(pgErr.Code, "08")
}

// IsPermanent reports whether err is a storage failure that is neither one of
// the typed sentinels nor transient. Retrying it cannot help; surface it.
func IsPermanent(err error) bool {
	return err != nil &&
		!IsTransient(err) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrConflict)
}
