package state

import "fmt"

// allowedTransitions lists valid status changes. Staying in the same status
// is always allowed.
var allowedTransitions = map[Status][]Status{
	StatusIdle: {
		StatusPending,
	},
	StatusPending: {
		StatusProcessing,
		StatusIdle, // cancel or clear
	},
	StatusProcessing: {
		StatusPaid,
		StatusError,
		StatusIdle, // shutdown
	},
	StatusPaid: {
		StatusIdle,
	},
	StatusError: {
		StatusProcessing, // retry
		StatusIdle,       // give up
	},
}

// canTransition checks if moving from one status to another is allowed.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// validateTransition returns an error if the transition is not allowed.
func validateTransition(from, to Status) error {
	if !canTransition(from, to) {
		return fmt.Errorf("state: illegal transition %s -> %s", from, to)
	}
	return nil
}
