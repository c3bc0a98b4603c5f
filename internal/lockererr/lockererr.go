// Package lockererr defines the error taxonomy shared by the gateway,
// panel, and kiosk processes, along with the HTTP status each kind maps to.
package lockererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP-status purposes.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindOwnershipMismatch  Kind = "ownership_mismatch"
	KindAlreadyOwns        Kind = "already_owns"
	KindNoLockers          Kind = "no_lockers"
	KindHardware           Kind = "hardware"
	KindStaleLease         Kind = "stale_lease"
	KindUnknownCard        Kind = "unknown_card"
	KindNotFound           Kind = "not_found"
	KindMigrationDrift     Kind = "migration_drift"
)

// Error is a taxonomy-classified error. It wraps an underlying cause and
// carries a short, human-readable message safe to surface verbatim to
// staff tooling (never raw hardware text to the RFID UI — callers there
// translate through Kind instead of Message).
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

// Is allows errors.Is(err, lockererr.New(kind, "", nil)) to match by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a taxonomy error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel instances for errors.Is comparisons where no message is needed.
var (
	ErrValidation        = New(KindValidation, "validation failed", nil)
	ErrConflict          = New(KindConflict, "conflict", nil)
	ErrOwnershipMismatch = New(KindOwnershipMismatch, "ownership mismatch", nil)
	ErrAlreadyOwns       = New(KindAlreadyOwns, "caller already owns a locker on this kiosk", nil)
	ErrNoLockers         = New(KindNoLockers, "no free lockers available", nil)
	ErrHardware          = New(KindHardware, "hardware error", nil)
	ErrStaleLease        = New(KindStaleLease, "stale lease", nil)
	ErrUnknownCard       = New(KindUnknownCard, "unknown relay card address", nil)
	ErrNotFound          = New(KindNotFound, "not found", nil)
	ErrMigrationDrift    = New(KindMigrationDrift, "migration content hash drift", nil)
)

// Retryable reports whether the executor should treat this error kind as
// retryable per §7's propagation policy.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindHardware, KindStaleLease:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a taxonomy kind to the status code the Gateway/Panel
// surfaces use. Non-taxonomy errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindOwnershipMismatch, KindAlreadyOwns, KindNoLockers, KindUnknownCard:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindHardware, KindStaleLease:
		return http.StatusServiceUnavailable
	case KindMigrationDrift:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine-readable code used in JSON error bodies,
// e.g. {"code": "not_found", "message": "Command not found"}.
func Code(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal"
	}
	return string(e.Kind)
}
