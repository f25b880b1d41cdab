package images

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a staged image does not exist or has
	// already been purged
	ErrNotFound = errors.New("staged image not found")

	// ErrInvalidState is returned when an operation targets a record whose
	// current state disallows it
	ErrInvalidState = errors.New("staged image is not in a valid state for this operation")
)

// ValidationError rejects an upload before any remote I/O is performed
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// RemoteStoreError wraps a failed object store call. No local state is
// created or mutated when one is returned; the caller may retry.
type RemoteStoreError struct {
	Op  string
	Err error
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("object store %s failed: %v", e.Op, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}
