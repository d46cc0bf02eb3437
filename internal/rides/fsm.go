package rides

import (
	"fmt"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// Action is an input to the ride state machine.
type Action string

const (
	ActionAccept Action = "accept"
	ActionStart  Action = "start"
	ActionEnd    Action = "end"
	ActionCancel Action = "cancel"
)

// target is the status an action leads to when it is legal.
func (a Action) target() models.RideStatus {
	switch a {
	case ActionAccept:
		return models.RideAccepted
	case ActionStart:
		return models.RideOngoing
	case ActionEnd:
		return models.RideCompleted
	case ActionCancel:
		return models.RideCancelled
	}
	return models.RideStatus(a)
}

// Next is the ride transition function. It is defined for every
// (status, action) pair: legal pairs return the next status, every other
// pair returns an *errs.InvalidTransitionError.
//
//	pending  --accept--> accepted --start--> ongoing --end--> completed
//	pending  --cancel--> cancelled
//	accepted --cancel--> cancelled
func Next(from models.RideStatus, a Action) (models.RideStatus, error) {
	switch from {
	case models.RidePending:
		switch a {
		case ActionAccept:
			return models.RideAccepted, nil
		case ActionCancel:
			return models.RideCancelled, nil
		}
	case models.RideAccepted:
		switch a {
		case ActionStart:
			return models.RideOngoing, nil
		case ActionCancel:
			return models.RideCancelled, nil
		}
	case models.RideOngoing:
		if a == ActionEnd {
			return models.RideCompleted, nil
		}
	case models.RideCompleted, models.RideCancelled:
		// terminal
	default:
		return from, fmt.Errorf("unknown ride status %q: %w", from, &errs.InvalidTransitionError{From: string(from), To: string(a.target())})
	}
	return from, &errs.InvalidTransitionError{From: string(from), To: string(a.target())}
}

// Legal reports whether the observed sequence of statuses is a prefix-free
// walk of the state machine starting at pending.
func Legal(path []models.RideStatus) bool {
	if len(path) == 0 {
		return true
	}
	if path[0] != models.RidePending {
		return false
	}
	for i := 1; i < len(path); i++ {
		ok := false
		for _, a := range []Action{ActionAccept, ActionStart, ActionEnd, ActionCancel} {
			if to, err := Next(path[i-1], a); err == nil && to == path[i] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
