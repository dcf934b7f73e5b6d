// Package session defines the per-task session record owned by the
// orchestrator and the snapshot store that persists it across restarts.
package session

import (
	"fmt"
	"strings"
)

// State is the discrete state of a session.
type State int

const (
	// StateIdle means no agent is running for the task.
	StateIdle State = iota
	// StateInitializing means the workspace and multiplexer session are being created.
	StateInitializing
	// StateBusy means the agent is working.
	StateBusy
	// StateWaiting means the agent is blocked on user input.
	StateWaiting
	// StatePaused means the agent was interrupted by a Pause command.
	StatePaused
	// StateDone means the agent reported completion.
	StateDone
	// StateError means the agent output reported a failure.
	StateError
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateInitializing: "initializing",
	StateBusy:         "busy",
	StateWaiting:      "waiting",
	StatePaused:       "paused",
	StateDone:         "done",
	StateError:        "error",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState parses a state name case-insensitively.
func ParseState(name string) (State, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, v := range stateNames {
		if v == n {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown session state %q", name)
}

// MarshalText implements encoding.TextMarshaler so states serialize by name.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid session state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the state only leaves via Stop or Cleanup.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// IsMonitored reports whether a polling task should run in this state.
func (s State) IsMonitored() bool {
	switch s {
	case StateBusy, StateWaiting, StateDone, StateError:
		return true
	}
	return false
}

// IsActive reports whether the session holds live resources.
func (s State) IsActive() bool {
	return s != StateIdle
}

// AllStates returns every state in declaration order.
func AllStates() []State {
	states := make([]State, len(stateNames))
	for i := range stateNames {
		states[i] = State(i)
	}
	return states
}
