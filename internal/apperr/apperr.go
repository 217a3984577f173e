// Package apperr is the error taxonomy shared by every engine. Errors are
// sentinels wrapped with context via fmt.Errorf("...: %w"); callers classify
// them with errors.Is and map them to HTTP statuses at the edge.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation error")

	// ErrAuth marks a bad signature or shared secret.
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound marks an unknown route, token or record.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks an idempotent replay. Not a failure for callers.
	ErrDuplicate = errors.New("already processed")

	// ErrOwnershipMismatch marks an external event whose embedded account
	// does not match the owner of the route it arrived on.
	ErrOwnershipMismatch = errors.New("ownership mismatch")

	// ErrInsufficientBalance is returned by lock when locked would exceed balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidState is returned when a conditional update finds the row
	// in a state that does not permit the transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrDownstream marks a paired mutation that failed after a prior one succeeded.
	ErrDownstream = errors.New("downstream failure")

	// ErrAtCapacity is returned when a trader has no free copier slot.
	ErrAtCapacity = errors.New("trader at capacity")

	// ErrExpired is returned for claim tokens past their deadline.
	ErrExpired = errors.New("expired")
)

// HTTPStatus maps an error to the status code returned to external callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrDuplicate):
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrOwnershipMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAtCapacity), errors.Is(err, ErrExpired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns the stable, machine-readable name of the error class.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicate):
		return "already_processed"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOwnershipMismatch):
		return "ownership_mismatch"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAtCapacity):
		return "at_capacity"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDownstream):
		return "downstream_failure"
	default:
		return "internal_error"
	}
}
