// Package errs holds the dispatch error taxonomy shared by every component.
// Callers classify with errors.Is / errors.As; Retryable reports the retry
// policy attached to each outcome.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLocation   = errors.New("invalid location")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyAssigned   = errors.New("ride already assigned")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrNotAssignedDriver = errors.New("not the assigned driver")
	ErrOTPMismatch       = errors.New("otp mismatch")
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("service unavailable")

	// ErrNotAvailable is returned by the availability registry when a claim
	// finds the driver busy, offline or stale.
	ErrNotAvailable = errors.New("driver not available")
	// ErrDriverBusy rejects status changes while a driver holds a ride.
	ErrDriverBusy = errors.New("driver has an active ride")
	// ErrConflict signals a lost compare-and-swap on a stored document.
	ErrConflict = errors.New("version conflict")
)

// InvalidTransitionError carries the state a ride was in and the state the
// caller tried to move it to.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Retryable reports whether a caller may retry the operation that produced
// err. Business outcomes of a race are final.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoDriverAvailable) || errors.Is(err, ErrUnavailable)
}

// Business reports whether err is a per-request domain outcome rather than
// an infrastructure failure. Business errors are never retried locally.
func Business(err error) bool {
	for _, target := range []error{
		ErrInvalidLocation, ErrInvalidInput, ErrInvalidTransition, ErrAlreadyAssigned,
		ErrDriverUnavailable, ErrNotAssignedDriver, ErrOTPMismatch, ErrNoDriverAvailable,
		ErrUnauthenticated, ErrForbidden, ErrNotFound, ErrNotAvailable, ErrDriverBusy,
		ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
