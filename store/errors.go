package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// StorageError wraps a failed storage operation. Ingestion paths treat it
// as transient and retry with backoff; query paths surface it as
// persistence_failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is the missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
