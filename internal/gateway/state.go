package gateway

import (
	"fmt"
	"sync"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateDisconnected
	StateRejected
)

var stateNames = [...]string{
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateAuthenticated:  "authenticated",
	StateActive:         "active",
	StateDisconnected:   "disconnected",
	StateRejected:       "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsAuthenticated reports whether requests may be served in s.
func (s State) IsAuthenticated() bool {
	return s == StateAuthenticated || s == StateActive
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateRejected
}

var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateDisconnected},
	StateAuthenticating: {StateAuthenticated, StateRejected, StateDisconnected},
	StateAuthenticated:  {StateActive, StateDisconnected},
	StateActive:         {StateDisconnected},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine guards one connection's state.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to the next state, failing on an illegal transition.
// Re-entering the current state is a no-op.
func (m *machine) advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return nil
	}
	if !CanTransition(m.state, to) {
		return fmt.Errorf("gateway: illegal transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
