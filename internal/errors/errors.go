// Package errors defines the coded error type reported by the store.
//
// Callers distinguish outcomes with the predicates ([IsNotFound],
// [IsStorage], [IsValidation]) instead of matching messages.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode defines specific error types for the store.
type ErrorCode string

const (
	// ErrNotFound is returned when an identifier has no metadata file.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrStorage is returned when an unexpected I/O or filesystem error occurs.
	ErrStorage ErrorCode = "STORAGE_ERROR"
	// ErrValidationFailed is returned when a required directory is missing.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrLockOrder is returned when a lock is requested out of hierarchy order.
	ErrLockOrder ErrorCode = "LOCK_ORDER"
	// ErrInvalidArgument is returned when an entity cannot be persisted as given.
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// Error is a concrete error type with a code, a message and optional details.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// NotFound creates an error for an identifier without a metadata file.
func NotFound(kind, id string) *Error {
	return New(ErrNotFound, fmt.Sprintf("no %s found with id: %s", kind, id)).WithDetail("id", id)
}

// Storage creates an error wrapping an unexpected I/O failure.
func Storage(message string, err error) *Error {
	return New(ErrStorage, message).Wrap(err)
}

// Validation creates an error for a missing required directory.
func Validation(path string) *Error {
	return New(ErrValidationFailed, "missing required directory: "+path).WithDetail("path", path)
}

// LockOrder creates an error for a lock requested while a lock of equal or
// higher rank is already held.
func LockOrder(name string, held []string) *Error {
	return New(ErrLockOrder, fmt.Sprintf("lock %q requested out of order while holding %v", name, held)).
		WithDetail("lock", name).
		WithDetail("held", held)
}

// InvalidArgument creates an error for an entity that cannot be persisted.
func InvalidArgument(message string) *Error {
	return New(ErrInvalidArgument, message)
}

// Recognized reports whether err carries an [*Error] anywhere in its chain.
func Recognized(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Is reports whether err carries an [*Error] with the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.code == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsStorage reports whether err is a STORAGE_ERROR error.
func IsStorage(err error) bool {
	return Is(err, ErrStorage)
}

// IsValidation reports whether err is a VALIDATION_FAILED error.
func IsValidation(err error) bool {
	return Is(err, ErrValidationFailed)
}
