package appointments

import "fmt"

// Action is a ledger operation that changes an appointment's status or window.
type Action string

const (
	ActionConfirm    Action = "confirm"
	ActionComplete   Action = "complete"
	ActionNoShow     Action = "no_show"
	ActionCancel     Action = "cancel"
	ActionReschedule Action = "reschedule"
)

var transitionMap = map[Action][]Status{
	ActionConfirm:    {StatusBooked},
	ActionComplete:   {StatusBooked, StatusConfirmed},
	ActionNoShow:     {StatusBooked, StatusConfirmed},
	ActionCancel:     {StatusBooked, StatusConfirmed},
	ActionReschedule: {StatusBooked, StatusConfirmed, StatusNoShow},
}

var transitionTarget = map[Action]Status{
	ActionConfirm:  StatusConfirmed,
	ActionComplete: StatusCompleted,
	ActionNoShow:   StatusNoShow,
	ActionCancel:   StatusCancelled,
}

// ValidTransition reports whether action may run on an appointment in status from.
func ValidTransition(action Action, from Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

func transitionError(action Action, from Status) error {
	switch from {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusCompleted:
		return ErrAlreadyCompleted
	default:
		return fmt.Errorf("%w: cannot %s an appointment in status %s", ErrInvalidState, action, from)
	}
}
