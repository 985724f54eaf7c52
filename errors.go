// Package pdfcache provides persistent, size-bounded caching of decoded
// PDF content.
// This file contains domain-specific error types for cache operations.
package pdfcache

import (
	"errors"
	"fmt"
)

// Sentinel errors for different failure modes.
// These are used to identify specific types of failures in cache operations.
// They can be checked using errors.Is() for error handling and testing.
var (
	// ErrInvalidEncoding indicates that the base64 payload is malformed.
	// This includes bytes outside the base64 alphabet, data after padding,
	// and truncated final quantums.
	ErrInvalidEncoding = errors.New("invalid base64 encoding")

	// ErrWriteFailed indicates that decoded output could not be written to
	// the cache directory. This covers disk-full conditions, permission
	// errors, and failures while publishing the completed file.
	ErrWriteFailed = errors.New("cache write failed")

	// ErrIdentifierRequired indicates that no identifier was supplied and
	// none could be derived because the input does not support seeking.
	ErrIdentifierRequired = errors.New("identifier required for non-seekable input")

	// ErrCacheClosed indicates that an operation was invoked after Close.
	ErrCacheClosed = errors.New("cache is closed")
)

// CacheError provides detailed context about cache operation failures.
// It wraps underlying errors with the operation name and the content
// identifier being processed.
//
// CacheError implements the error interface and supports error wrapping,
// allowing it to be used with errors.Is() and errors.As() for proper
// error handling.
type CacheError struct {
	// Op describes the operation that failed (e.g., "store", "fetch", "remove").
	Op string

	// Identifier is the content identifier being processed when the error
	// occurred. It may be empty when the failure happened before an
	// identifier could be resolved.
	Identifier string

	// Err is the underlying error that caused this CacheError to be created.
	// This preserves the original error context and allows for proper
	// error wrapping.
	Err error
}

// Error implements the error interface.
// It returns the error message from the underlying error to maintain
// compatibility with error handling code that expects the underlying message.
func (e *CacheError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error to support error wrapping.
// This allows CacheError to be used with errors.Is() and errors.As().
func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewCacheError creates a new CacheError with the specified context.
func NewCacheError(op, identifier string, err error) *CacheError {
	return &CacheError{
		Op:         op,
		Identifier: identifier,
		Err:        err,
	}
}

// FormatError creates a formatted error message with CacheError context.
// This is useful for logging or displaying errors with full context.
//
// Example output: "store pdf-3a9f0c: invalid base64 encoding"
func (e *CacheError) FormatError() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Identifier, e.Err.Error())
}

// IsEncodingError checks if this error or any wrapped error is a base64
// encoding failure.
//
// Returns true if ErrInvalidEncoding is found in the error chain.
func (e *CacheError) IsEncodingError() bool {
	return errors.Is(e.Err, ErrInvalidEncoding)
}

// IsWriteError checks if this error or any wrapped error is a storage
// write failure.
//
// Returns true if ErrWriteFailed is found in the error chain.
func (e *CacheError) IsWriteError() bool {
	return errors.Is(e.Err, ErrWriteFailed)
}
