package pipeline

import "fmt"

// State is a pipeline or element lifecycle state
type State int

const (
	// StateVoid is the pending value when no transition is in progress
	StateVoid State = iota
	StateNull
	StateReady
	StatePaused
	StatePlaying
	// StateError is terminal; only a descending request leaves it
	StateError
)

func (s State) String() string {
	switch s {
	case StateVoid:
		return "VOID_PENDING"
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState converts a state name (case-insensitive) to a State
func ParseState(s string) (State, error) {
	switch s {
	case "NULL", "null":
		return StateNull, nil
	case "READY", "ready":
		return StateReady, nil
	case "PAUSED", "paused":
		return StatePaused, nil
	case "PLAYING", "playing":
		return StatePlaying, nil
	}
	return StateVoid, fmt.Errorf("unknown state %q", s)
}

// Transition is one step between adjacent states
type Transition struct {
	From State
	To   State
}

// Ascending reports whether the step acquires resources
func (t Transition) Ascending() bool {
	return t.To > t.From
}

func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}

var (
	NullToReady     = Transition{StateNull, StateReady}
	ReadyToPaused   = Transition{StateReady, StatePaused}
	PausedToPlaying = Transition{StatePaused, StatePlaying}
	PlayingToPaused = Transition{StatePlaying, StatePaused}
	PausedToReady   = Transition{StatePaused, StateReady}
	ReadyToNull     = Transition{StateReady, StateNull}
)
