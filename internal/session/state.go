// Package session implements the relay's session core: the per-session
// state machine wrapping one debug adapter, the bounded event queue and
// output buffer pollers read from, and the manager that admits, tracks,
// evicts, and recovers sessions.
package session

import "github.com/daprelay/daprelay/internal/relayerr"

// State is a session lifecycle state. Values are the wire labels.
type State string

const (
	StateCreated    State = "created"
	StateLaunching  State = "launching"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// validTransitions is the externally-driven transition table. Transitions
// driven by adapter events bypass it: events report what the debuggee
// actually did.
var validTransitions = map[State][]State{
	StateCreated:   {StateLaunching, StateFailed},
	StateLaunching: {StateRunning, StatePaused, StateTerminated, StateFailed},
	StateRunning:   {StatePaused, StateTerminated, StateFailed},
	StatePaused:    {StateRunning, StateTerminated, StateFailed},
}

// CanTransition reports whether from→to is an allowed external transition.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// requireState returns INVALID_SESSION_STATE unless actual is one of the
// allowed states, with both sides recorded in the error details.
func requireState(op string, actual State, allowed ...State) error {
	for _, s := range allowed {
		if actual == s {
			return nil
		}
	}
	required := make([]string, len(allowed))
	for i, s := range allowed {
		required[i] = string(s)
	}
	return relayerr.New(relayerr.KindInvalidSessionState, "%s not allowed in state %q", op, actual).
		WithDetails(map[string]any{"required_states": required, "actual_state": string(actual)})
}
