package reminder

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid reminder")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict is returned when a row changed underneath a state update, or
	// when resuming would create a second active reminder for the same event.
	ErrConflict = errors.New("conflict")
	// ErrClaimLost means the scheduler no longer owns the claim on a job:
	// it was deleted, paused, or re-claimed after the lease expired.
	ErrClaimLost = errors.New("claim lost")
)

var ErrPastStartTime = fmt.Errorf("%w: start_time is in the past", ErrValidation)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
