package domain

import (
	"errors"
	"fmt"
)

// Action is a lifecycle verb applied to a request/assignment pair.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionStart    Action = "start"
	ActionArrive   Action = "arrive"
	ActionDepart   Action = "depart"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// ValidAction reports whether a is a recognized lifecycle action.
func ValidAction(a Action) bool {
	switch a {
	case ActionAccept, ActionStart, ActionArrive, ActionDepart, ActionComplete, ActionCancel:
		return true
	}
	return false
}

// ActorKind identifies which party is invoking an action.
type ActorKind string

const (
	ActorRequester ActorKind = "requester"
	ActorFulfiller ActorKind = "fulfiller"
)

// ErrInvalidTransition is returned by Transition when the action is not
// reachable from the current status, or the actor kind may not invoke it.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition is the single source of truth for lifecycle changes. It is a
// pure function: the broker consults it before every status write.
//
// PENDING -> ASSIGNED -> IN_PROGRESS -> ARRIVED -> EN_ROUTE -> COMPLETED
// CANCELLED is reachable from any non-terminal status. No step may be
// skipped. accept/start/arrive/depart/complete are fulfiller actions; cancel
// is available to either party.
func Transition(current Status, action Action, actor ActorKind) (Status, error) {
	if action == ActionCancel {
		if current.IsTerminal() {
			return "", invalidTransition(current, action, actor)
		}
		return StatusCancelled, nil
	}

	if actor != ActorFulfiller {
		return "", invalidTransition(current, action, actor)
	}

	var next Status
	switch action {
	case ActionAccept:
		next = StatusAssigned
	case ActionStart:
		next = StatusInProgress
	case ActionArrive:
		next = StatusArrived
	case ActionDepart:
		next = StatusEnRoute
	case ActionComplete:
		next = StatusCompleted
	default:
		return "", invalidTransition(current, action, actor)
	}

	if stepBefore(next) != current {
		return "", invalidTransition(current, action, actor)
	}
	return next, nil
}

// stepBefore returns the only status from which next is reachable by a
// forward action.
func stepBefore(next Status) Status {
	switch next {
	case StatusAssigned:
		return StatusPending
	case StatusInProgress:
		return StatusAssigned
	case StatusArrived:
		return StatusInProgress
	case StatusEnRoute:
		return StatusArrived
	case StatusCompleted:
		return StatusEnRoute
	}
	return ""
}

func invalidTransition(current Status, action Action, actor ActorKind) error {
	return fmt.Errorf("%w: %s by %s from %s", ErrInvalidTransition, action, actor, current)
}
