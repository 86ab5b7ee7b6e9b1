package models

import "fmt"

// State is the lifecycle state of a MatchRequest.
type State string

const (
	StatePending   State = "PENDING"
	StateMatched   State = "MATCHED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// IsTerminal reports whether the state ends the request lifecycle.
func (s State) IsTerminal() bool {
	switch s {
	case StateMatched, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Outcome maps a terminal state to the status reported on the reply channel.
func (s State) Outcome() OutcomeStatus {
	switch s {
	case StateMatched:
		return OutcomeMatched
	case StateCancelled:
		return OutcomeCancelled
	case StateExpired:
		return OutcomeExpired
	default:
		return ""
	}
}

// Transition checks that moving from one state to another is allowed.
// A request leaves PENDING exactly once and never leaves a terminal state.
func Transition(from, to State) error {
	if from != StatePending {
		return fmt.Errorf("invalid transition %s -> %s: request already resolved", from, to)
	}
	if !to.IsTerminal() {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}
