package storage

import "errors"

var (
	// ErrLockConflict marks a transient failure (deadlock, lock timeout,
	// busy database) that is safe to retry with the same batch.
	ErrLockConflict = errors.New("transient lock conflict")

	// ErrSchemaInit marks a failure to create tables or indexes. It is fatal
	// to an import run.
	ErrSchemaInit = errors.New("schema initialization failed")

	// ErrUnknownTable is returned for names outside the catalog.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnavailable is returned when no healthy connection could be acquired,
	// including while the circuit breaker is open.
	ErrUnavailable = errors.New("database unavailable")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockConflict)
}
