// Package errors provides error handling for tock.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marks for classifying errors across package boundaries
//
// Usage:
//
//	if err := store.Create(ctx, s); err != nil {
//	    return errors.Wrap(err, "failed to create schedule")
//	}
//
//	// Classify without losing the original cause
//	return errors.Mark(err, errors.ErrConcurrencyConflict)
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// CombineErrors keeps the first error as the cause and attaches the second
// as a secondary error.
var CombineErrors = crdb.CombineErrors

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	Mark          = crdb.Mark
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors shared across packages.
// Check with errors.Is(); attach to a cause with errors.Mark() so the
// original message and stack survive.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict (e.g., duplicate name)
	ErrConflict = New("resource conflict")

	// ErrConcurrencyConflict indicates an optimistic version check failed:
	// another writer advanced the record first.
	ErrConcurrencyConflict = New("concurrency conflict")

	// ErrDuplicateDedupe indicates a live run already exists for a dedupe key.
	ErrDuplicateDedupe = New("duplicate dedupe key")

	// ErrExecutor indicates a target executor failed to perform its side effect.
	ErrExecutor = New("executor failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError reports both resource and version conflicts.
func IsConflictError(err error) bool {
	return err != nil && IsAny(err, ErrConflict, ErrConcurrencyConflict)
}

// IsBenign reports errors that callers should treat as a successful no-op:
// a lost optimistic race or an idempotent duplicate submission.
func IsBenign(err error) bool {
	return err != nil && IsAny(err, ErrConcurrencyConflict, ErrDuplicateDedupe)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConflictError creates a resource-conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}
