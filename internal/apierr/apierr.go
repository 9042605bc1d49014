// Package apierr defines the sentinel error taxonomy shared by the store,
// services, and HTTP edge. Every layer below the Gin handlers returns one of
// these kinds (or wraps the underlying cause with one via New); handlers
// translate Kind to an HTTP status and never see a driver-specific error.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of an API-facing error.
type Kind int

const (
	// KindUnknown is the zero value; never returned intentionally.
	KindUnknown Kind = iota
	// KindNotFound means the referenced row does not exist.
	KindNotFound
	// KindConflict means a claim race or guarded status transition failed.
	KindConflict
	// KindForbidden means the caller does not own the referenced resource.
	KindForbidden
	// KindRateLimited means the caller exceeded a rate limit.
	KindRateLimited
	// KindStorageError means a transient lower-layer failure occurred.
	KindStorageError
	// KindExecutorError means a worker-side subprocess or integration call failed.
	KindExecutorError
	// KindProtocolError means the request was malformed.
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindStorageError:
		return "storage_error"
	case KindExecutorError:
		return "executor_error"
	case KindProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Error is the taxonomy-tagged error type propagated between layers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, never exposing cause's concrete type
// to callers that only check Kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound builds a KindNotFound error.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Conflict builds a KindConflict error.
func Conflict(message string) *Error { return New(KindConflict, message) }

// Forbidden builds a KindForbidden error.
func Forbidden(message string) *Error { return New(KindForbidden, message) }

// RateLimited builds a KindRateLimited error.
func RateLimited(message string) *Error { return New(KindRateLimited, message) }

// StorageError wraps cause as a KindStorageError.
func StorageError(message string, cause error) *Error { return Wrap(KindStorageError, message, cause) }

// ExecutorError wraps cause as a KindExecutorError.
func ExecutorError(message string, cause error) *Error { return Wrap(KindExecutorError, message, cause) }

// ProtocolError builds a KindProtocolError error.
func ProtocolError(message string) *Error { return New(KindProtocolError, message) }

// KindOf extracts the Kind from err, defaulting to KindStorageError for
// unrecognized errors so an unexpected failure never surfaces as a 2xx.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return KindUnknown
	}
	return KindStorageError
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
