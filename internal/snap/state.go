package snap

import (
	"fmt"
	"sync"
)

// State is a snapshot lifecycle state during create and push.
type State string

const (
	StateCreated         State = "created"
	StatePackaged        State = "packaged"
	StateLocallyExisting State = "locally_existing"
	StateFreshlyPackaged State = "freshly_packaged"
	StateRegistering     State = "registering"
	StatePushed          State = "pushed"
	StatePushFailed      State = "push_failed"
)

// transitions lists the legal next states. PushFailed can go back to
// Registering to resume a push.
var transitions = map[State][]State{
	StateCreated:         {StatePackaged},
	StatePackaged:        {StateLocallyExisting, StateFreshlyPackaged},
	StateLocallyExisting: {StateRegistering, StatePushFailed},
	StateFreshlyPackaged: {StateRegistering, StatePushFailed},
	StateRegistering:     {StatePushed, StatePushFailed},
	StatePushFailed:      {StateRegistering},
}

// Machine tracks the lifecycle of one snapshot. Safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []State
}

// NewMachine starts a machine in the given state.
func NewMachine(start State) *Machine {
	return &Machine{state: start, history: []State{start}}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state entered, oldest first.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// To moves to next, failing if the transition is not allowed.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range transitions[m.state] {
		if s == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("illegal snapshot state transition %s -> %s", m.state, next)
}

// Fail moves to PushFailed when the current state allows it. It is a no-op otherwise.
func (m *Machine) Fail() {
	_ = m.To(StatePushFailed)
}
