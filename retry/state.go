package retry

import (
	"fmt"
	"log/slog"
)

// State is a step of the retry state machine
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateValidating
	StateRetryPending
	StateAccepted
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateValidating:
		return "validating"
	case StateRetryPending:
		return "retry_pending"
	case StateAccepted:
		return "accepted"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateExhausted || s == StateCancelled
}

var transitions = map[State][]State{
	StateIdle:         {StateGenerating, StateCancelled},
	StateGenerating:   {StateValidating, StateRetryPending, StateExhausted},
	StateValidating:   {StateAccepted, StateRetryPending, StateExhausted},
	StateRetryPending: {StateGenerating, StateCancelled},
}

// CanTransition reports whether from -> to is a legal step
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (c *Controller) transition(r *run, to State) {
	from := r.result.State
	if !CanTransition(from, to) {
		r.log.Error("illegal state transition", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	r.log.Debug("state transition", slog.String("from", from.String()), slog.String("to", to.String()))
	r.result.State = to
}
