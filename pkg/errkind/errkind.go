// Package errkind classifies service errors into a small set of kinds
// that the HTTP and RPC layers translate into transport status codes.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind labels the category of a failure.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindPermission  Kind = "permission"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("entity not found")

	// ErrPermission is returned when the caller does not own the entity
	ErrPermission = errors.New("permission denied")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when the request collides with current state
	ErrConflict = errors.New("conflict with current state")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrUnavailable is returned when a downstream dependency is unreachable
	ErrUnavailable = errors.New("service unavailable")
)

// Error carries a kind alongside a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind, so callers
// can test errors.Is(err, errkind.ErrNotFound) without knowing whether
// the error is a bare sentinel or a wrapped Error.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindPermission:
		return ErrPermission
	case KindValidation:
		return ErrInvalidInput
	case KindConflict:
		return ErrConflict
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

// New creates an Error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound creates a not_found error with a formatted message.
func NotFound(format string, args ...any) error {
	return Newf(KindNotFound, format, args...)
}

// Permission creates a permission error with a formatted message.
func Permission(format string, args ...any) error {
	return Newf(KindPermission, format, args...)
}

// Validation creates a validation error with a formatted message.
func Validation(format string, args ...any) error {
	return Newf(KindValidation, format, args...)
}

// Conflict creates a conflict error with a formatted message.
func Conflict(format string, args ...any) error {
	return Newf(KindConflict, format, args...)
}

// Unavailable creates an unavailable error with a formatted message.
func Unavailable(format string, args ...any) error {
	return Newf(KindUnavailable, format, args...)
}

// Internal creates an internal error with a formatted message.
func Internal(format string, args ...any) error {
	return Newf(KindInternal, format, args...)
}

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new field-level validation error
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a field-level validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// KindOf classifies an arbitrary error. Typed errors report their own
// kind; bare sentinels are matched with errors.Is; anything else is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// HTTPStatus maps an error kind to the HTTP status the API layer
// should respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
