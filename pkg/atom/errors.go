package atom

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrStoreClosed is returned when using a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrContentTooLarge is returned when content exceeds the hard
	// maximum size. The content is rejected, never truncated.
	ErrContentTooLarge = errors.New("content exceeds maximum size")

	// ErrEmptyContent is returned for zero-length content.
	ErrEmptyContent = errors.New("empty content")

	// ErrNotFound is returned when an atom does not exist.
	ErrNotFound = errors.New("atom not found")

	// ErrNotReferenced is returned when releasing an atom whose
	// reference count is already zero.
	ErrNotReferenced = errors.New("atom has no references to release")

	// ErrInvalidConfig is returned for unusable configurations.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTenantRequired is returned when the tenant id is missing.
	// Dedup scope is per tenant; there is no ambient default.
	ErrTenantRequired = errors.New("tenant id is required")
)

// StoreError wraps errors with operation context.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("atomstore: %v", e.Err)
	}
	return fmt.Sprintf("atomstore: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return errors.Is(e.Err, target) }

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
