package dls

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pthm/dls/pkg/querymut"
)

// Sentinel errors of the permission service.
//
// Permission checks return Allowed=false for denied access. These errors
// mean the requested operation could not be performed at all. Use the
// Is*Err helpers, or errors.Is, to tell them apart.
var (
	// ErrNotAllowed is returned when the requester lacks the rights for a
	// grant mutation, or requested sudo without being a superuser.
	ErrNotAllowed = errors.New("dls: not allowed")

	// ErrNotConsistent is returned when a diff conflicts with itself or with
	// the current grants of the node. Resubmit a corrected diff.
	ErrNotConsistent = errors.New("dls: not consistent")

	// ErrNotFound is returned when a referenced subject, grant, node, scope
	// or action does not exist.
	ErrNotFound = errors.New("dls: not found")

	// ErrTransient marks store failures that may succeed on retry, such as
	// serialization conflicts and lost connections. The diff engine never
	// produces it; stores wrap driver errors with it.
	ErrTransient = errors.New("dls: transient store failure")

	// ErrLODDimension is returned by the query-mutation pipeline when a
	// top-level extended aggregation uses a dimension the query does not
	// group by.
	ErrLODDimension = querymut.ErrLODDimension
)

// ErrSudoNotSuperuser is returned when a check requests sudo for a subject
// outside the superuser group. It wraps ErrNotAllowed.
var ErrSudoNotSuperuser = &Error{Kind: ErrNotAllowed, Message: "sudo: not a superuser"}

// Error carries a taxonomy sentinel together with a message and structured
// details that are safe to return to the caller.
type Error struct {
	Kind    error
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// Is reports whether target is an *Error of the same kind and message, so
// that errors built from a sentinel *Error with call details still match it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func newError(kind error, msg string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}

func notAllowed(msg string, details map[string]any) error {
	return newError(ErrNotAllowed, msg, details)
}

func notConsistent(msg string, details map[string]any) error {
	return newError(ErrNotConsistent, msg, details)
}

func notFound(msg string, details map[string]any) error {
	return newError(ErrNotFound, msg, details)
}

// NotFoundf returns an ErrNotFound error with a formatted message.
// Store implementations use it for missing rows.
func NotFoundf(format string, args ...any) error {
	return newError(ErrNotFound, fmt.Sprintf(format, args...), nil)
}

// IsNotAllowedErr returns true if err is or wraps ErrNotAllowed.
func IsNotAllowedErr(err error) bool {
	return errors.Is(err, ErrNotAllowed)
}

// IsNotConsistentErr returns true if err is or wraps ErrNotConsistent.
func IsNotConsistentErr(err error) bool {
	return errors.Is(err, ErrNotConsistent)
}

// IsNotFoundErr returns true if err is or wraps ErrNotFound.
func IsNotFoundErr(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransientErr returns true if err is or wraps ErrTransient.
func IsTransientErr(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Code maps err onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case IsNotAllowedErr(err):
		return codes.PermissionDenied
	case IsNotConsistentErr(err):
		return codes.InvalidArgument
	case IsNotFoundErr(err):
		return codes.NotFound
	case IsTransientErr(err):
		return codes.Unavailable
	case errors.Is(err, ErrLODDimension):
		return codes.InvalidArgument
	}
	var verr *querymut.ValidationError
	if errors.As(err, &verr) {
		return codes.InvalidArgument
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Internal
}

// Status converts err into a gRPC status.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(Code(err), err.Error())
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorDetails returns the structured details of err, if it carries any.
func ErrorDetails(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
