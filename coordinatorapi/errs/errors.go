// Package errs defines the typed error kinds the coordinator's callable
// operations return, built on github.com/cockroachdb/errors rather than
// bare sentinel values: each kind is a marker error that Is/As wraps
// around a freeform message and optional detail, the way cockroachdb/errors
// is designed to classify errors across package boundaries without a
// giant switch on string prefixes.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies why a coordinatorapi operation failed.
type Kind int

const (
	Unauthenticated Kind = iota
	PermissionDenied
	InvalidArgument
	FailedPrecondition
	NotFound
	NoPendingContribution
	ConfigurationError
	VMUnavailable
	VMCommandAborted
	StorageFailure
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "Unauthenticated"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case FailedPrecondition:
		return "FailedPrecondition"
	case NotFound:
		return "NotFound"
	case NoPendingContribution:
		return "NoPendingContribution"
	case ConfigurationError:
		return "ConfigurationError"
	case VMUnavailable:
		return "VMUnavailable"
	case VMCommandAborted:
		return "VMCommandAborted"
	case StorageFailure:
		return "StorageFailure"
	default:
		return "Unknown"
	}
}

// markers holds one sentinel per Kind so errors.Is(err, markers[k]) works
// regardless of how much context was wrapped around the kind at the point
// of creation.
var markers = map[Kind]error{
	Unauthenticated:       errors.New("errs: unauthenticated"),
	PermissionDenied:      errors.New("errs: permission denied"),
	InvalidArgument:       errors.New("errs: invalid argument"),
	FailedPrecondition:    errors.New("errs: failed precondition"),
	NotFound:              errors.New("errs: not found"),
	NoPendingContribution: errors.New("errs: no pending contribution"),
	ConfigurationError:    errors.New("errs: configuration error"),
	VMUnavailable:         errors.New("errs: vm unavailable"),
	VMCommandAborted:      errors.New("errs: vm command aborted"),
	StorageFailure:        errors.New("errs: storage failure"),
}

// Error carries a Kind, a message, and an optional detail string — enough
// for an HTTP handler to pick a status code and still show the caller a
// readable message.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return markers[e.Kind]
}

// Is reports whether target is the marker for e.Kind, so callers can write
// errors.Is(err, errs.Marker(errs.NotFound)) or rely on Unwrap chaining.
func (e *Error) Is(target error) bool {
	return target == markers[e.Kind]
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(message, args...)}
}

// Wrap constructs an *Error of the given kind wrapping cause, preserving
// cause in the Unwrap chain via cockroachdb/errors.Wrap semantics.
func Wrap(kind Kind, cause error, message string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(message, args...), cause: errors.Wrap(cause, "")}
}

// WithDetail attaches a detail string and returns e for chaining.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// Marker returns the sentinel for kind, for use with errors.Is.
func Marker(kind Kind) error { return markers[kind] }

// Is reports whether err carries kind, walking the Unwrap chain via
// cockroachdb/errors (which also understands multi-cause trees).
func Is(err error, kind Kind) bool {
	return errors.Is(err, markers[kind])
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to an unrecognized zero value reported via ok=false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
