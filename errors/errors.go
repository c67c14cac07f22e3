// Package errors provides error handling for batchpub.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators
//   - Assertion failures for broken invariants
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := st.Upsert(ctx, "tasks", id, fields); err != nil {
//	    return errors.Wrap(err, "failed to store task")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrInvalidDocumentID) {
//	    // reject the write
//	}
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
	Join         = crdb.Join
)

// User-facing messages and details
var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
	HasAssertionFailure              = crdb.HasAssertionFailure
)

// Sentinel errors for the publication engine.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrMissingCollection indicates a publication was registered without a
	// target collection. No partial state is created.
	ErrMissingCollection = New("publication has no collection")

	// ErrInvalidDocumentID indicates a null (zero) document id reached a
	// registry, ref counter or the wire encoder.
	ErrInvalidDocumentID = New("invalid document id")

	// ErrUnknownChildPublication indicates bookkeeping referenced a document
	// that is not present in a node's registry. It is always an assertion
	// failure, never a recoverable condition.
	ErrUnknownChildPublication = New("unknown child publication")

	// ErrUnknownPublication indicates a subscribe request named a
	// publication that was never registered.
	ErrUnknownPublication = New("unknown publication")

	// ErrDuplicatePublication indicates a publication name was registered twice.
	ErrDuplicatePublication = New("publication already registered")

	// ErrNotFound indicates the requested document or resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrClosed indicates an operation on a stopped engine, store or connection
	ErrClosed = New("closed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsInvalidDocumentID checks if an error is or wraps ErrInvalidDocumentID
func IsInvalidDocumentID(err error) bool {
	return err != nil && Is(err, ErrInvalidDocumentID)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// UnknownChild builds the assertion failure raised when a child publication
// lookup references a document missing from its parent's registry.
func UnknownChild(collection, id string) error {
	return NewAssertionErrorWithWrappedErrf(ErrUnknownChildPublication,
		"document %s/%s not in registry", collection, id)
}
