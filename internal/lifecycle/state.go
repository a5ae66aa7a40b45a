package lifecycle

import "fmt"

// State is the lifecycle position of an operation.
type State string

const (
	StateInit                 State = "init"
	StateLocked               State = "locked"
	StateSafetyCheck          State = "safety_check"
	StateInProgress           State = "in_progress"
	StatePausedForHumanReview State = "paused_for_human_review"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateRolledBack           State = "rolled_back"
	StateCancelled            State = "cancelled"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateInit,
	StateLocked,
	StateSafetyCheck,
	StateInProgress,
	StatePausedForHumanReview,
	StateCompleted,
	StateFailed,
	StateRolledBack,
	StateCancelled,
}

// allowedTransitions is the complete transition table. Any pair missing here is rejected.
// Paused operations can only resume execution or abort; they never re-enter safety_check
// and never jump to completed. failed stays open for the mandatory rollback.
var allowedTransitions = map[State]map[State]bool{
	StateInit: {
		StateLocked: true,
		StateFailed: true,
	},
	StateLocked: {
		StateSafetyCheck: true,
		StateFailed:      true,
	},
	StateSafetyCheck: {
		StateInProgress:           true,
		StatePausedForHumanReview: true,
		StateFailed:               true,
	},
	StateInProgress: {
		StateCompleted:            true,
		StatePausedForHumanReview: true,
		StateFailed:               true,
	},
	StatePausedForHumanReview: {
		StateInProgress: true,
		StateCancelled:  true,
		StateRolledBack: true,
	},
	StateFailed: {
		StateRolledBack: true,
	},
	StateCompleted:  {},
	StateRolledBack: {},
	StateCancelled:  {},
}

// ParseState maps a state name onto State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("unknown operation state %q", s)
	}
	return st, nil
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	return allowedTransitions[from][to]
}

// Successors returns the allowed next states of s in lifecycle order.
func Successors(s State) []State {
	var out []State
	for _, candidate := range AllStates {
		if allowedTransitions[s][candidate] {
			out = append(out, candidate)
		}
	}
	return out
}
