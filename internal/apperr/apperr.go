// Package apperr defines the error taxonomy shared by the engines.
//
// Callers branch on the kind with errors.Is; the wrapping *Error carries the
// operation and the entity reference it concerns.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/logging"
)

// Kind sentinels.
var (
	ErrValidation      = errors.New("validation failure")
	ErrUpstream        = errors.New("upstream unavailable")
	ErrConflict        = errors.New("concurrency conflict")
	ErrCapacity        = errors.New("capacity exceeded")
	ErrNotFound        = errors.New("not found")
	ErrInvalidMove     = errors.New("invalid state transition")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not permitted")
	ErrInternal        = errors.New("internal error")
)

// Error is a caller-visible failure. Ref names the entity involved (an
// entity id, geofence id or route key) and never a coordinate.
type Error struct {
	Op   string
	Ref  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error.
func New(op, ref string, kind, err error) *Error {
	return &Error{Op: op, Ref: ref, Kind: kind, Err: err}
}

// Validation is shorthand for a validation failure with a plain message.
func Validation(op, ref, msg string) *Error {
	return &Error{Op: op, Ref: ref, Kind: ErrValidation, Err: errors.New(msg)}
}

// Internal wraps an unexpected failure (storage, cancelled context).
func Internal(op, ref string, err error) *Error {
	return &Error{Op: op, Ref: ref, Kind: ErrInternal, Err: err}
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidMove):
		return http.StatusConflict
	case errors.Is(err, ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine-readable code used in JSON error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidMove):
		return "invalid_state"
	case errors.Is(err, ErrCapacity):
		return "capacity_exceeded"
	case errors.Is(err, ErrUpstream):
		return "upstream_unavailable"
	default:
		return "internal_error"
	}
}

// Respond writes err as the standard JSON error body. Server-side failures
// are logged with the request-scoped logger and their detail withheld.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && !errors.Is(err, ErrCapacity) {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		if !errors.Is(err, ErrUpstream) {
			msg = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   Code(err),
		"message": msg,
	})
}
