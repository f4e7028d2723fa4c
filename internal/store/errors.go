package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist or has been
// tombstoned.
var ErrNotFound = errors.New("record not found")

// ErrInvalidPayload is returned when a payload fails the table's shape
// check. Callers merging remote rows can skip the offending row without
// treating the whole batch as failed.
var ErrInvalidPayload = errors.New("invalid payload")

// ErrorKind classifies storage failures. All kinds are fatal for the
// operation that produced them and are never auto-retried.
type ErrorKind int

const (
	// KindNotReady means the store was used before Open completed.
	KindNotReady ErrorKind = iota
	// KindCorruptData means the database file is unreadable or failed an
	// integrity check. A corrupt store never serves partial state.
	KindCorruptData
	// KindMigrationFailed means a schema migration step did not apply.
	KindMigrationFailed
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotReady:
		return "not_ready"
	case KindCorruptData:
		return "corrupt_data"
	case KindMigrationFailed:
		return "migration_failed"
	default:
		return "unknown"
	}
}

// StorageError is the typed error returned by the record store for
// precondition and durability failures.
type StorageError struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "open", "set"
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error { return e.Err }

// IsKind reports whether err is a StorageError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
