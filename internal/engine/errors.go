package engine

import (
	"errors"
	"fmt"

	"shiftline/internal/engine/auth"
)

// Precondition failures. Each is surfaced to the caller verbatim.
var (
	ErrShiftNotFound         = errors.New("shift not found")
	ErrApplicationNotFound   = errors.New("application not found")
	ErrRecordNotFound        = errors.New("completion record not found")
	ErrApplicationNotPending = errors.New("application already decided")
	ErrShiftNotOpen          = errors.New("shift is not open")
	ErrShiftNotInProgress    = errors.New("shift is not in progress")
	ErrShiftNotCompleted     = errors.New("shift is not completed")
	ErrShiftTerminal         = errors.New("shift is already completed or cancelled")
	ErrDuplicateRating       = errors.New("rating already submitted for this shift")
	ErrDuplicateApplication  = errors.New("candidate already has an active application for this shift")
	ErrUnauthorizedParty     = auth.ErrUnauthorizedParty
)

// ErrShiftFull is the capacity-race outcome of admission. Callers should re-read the
// shift before deciding whether to retry.
var ErrShiftFull = errors.New("shift has no remaining capacity")

// ErrConflict means optimistic retries were exhausted while other writers kept moving the
// shift. The operation did not apply.
var ErrConflict = errors.New("concurrent update conflict; retry against fresh state")

// ValidationError reports malformed input detected before any state is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", v.Field, v.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Kind classifies errors for transport mapping and logging.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindPrecondition Kind = "precondition"
	KindCapacity     Kind = "capacity"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

func KindOf(err error) Kind {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, ErrShiftNotFound), errors.Is(err, ErrApplicationNotFound), errors.Is(err, ErrRecordNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorizedParty):
		return KindUnauthorized
	case errors.Is(err, ErrShiftFull), errors.Is(err, ErrConflict):
		return KindCapacity
	case errors.Is(err, ErrApplicationNotPending), errors.Is(err, ErrShiftNotOpen), errors.Is(err, ErrShiftNotInProgress),
		errors.Is(err, ErrShiftNotCompleted), errors.Is(err, ErrShiftTerminal), errors.Is(err, ErrDuplicateRating),
		errors.Is(err, ErrDuplicateApplication):
		return KindPrecondition
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may retry after re-reading state.
func Retryable(err error) bool {
	return KindOf(err) == KindCapacity
}
