package jobs

import "github.com/UniQw/uniqw-jobs/internal/store"

// State represents the lifecycle state of a job.
// Use the exported constants instead of raw strings to avoid typos.
type State string

const (
	// StatePending contains jobs waiting for their next-eligible time (ZSET).
	StatePending State = store.StatePending
	// StateActive contains jobs currently held by a worker (ZSET).
	StateActive State = store.StateActive
	// StateCompleted contains successfully finished jobs, capped per queue (ZSET).
	StateCompleted State = store.StateCompleted
	// StateFailed contains jobs that exhausted their attempts, capped per queue (ZSET).
	StateFailed State = store.StateFailed
)

// AllStates lists every valid job state in a stable order.
var AllStates = []State{StatePending, StateActive, StateCompleted, StateFailed}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether no further transitions happen without an operator action.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StatePending):
		return StatePending, nil
	case string(StateActive):
		return StateActive, nil
	case string(StateCompleted):
		return StateCompleted, nil
	case string(StateFailed):
		return StateFailed, nil
	default:
		return "", ErrUnknownState
	}
}
