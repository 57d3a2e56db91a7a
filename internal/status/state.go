package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wpweb/internal/bus"
)

// State represents the authentication session state of a profile.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Loading       State = "LOADING"
	Authenticated State = "AUTHENTICATED"
	Anonymous     State = "ANONYMOUS"
)

// validTransitions defines allowed state transitions.
// AUTHENTICATED <-> ANONYMOUS without LOADING covers provider pushes
// (sign-in from another client, server-side revocation).
var validTransitions = map[State][]State{
	Uninitialized: {Loading},
	Loading:       {Authenticated, Anonymous},
	Authenticated: {Loading, Anonymous},
	Anonymous:     {Loading, Authenticated},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Uninitialized state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Settle moves to a terminal state (Authenticated or Anonymous), passing
// through Loading when the current state cannot reach it directly.
// Settling into the current state is a no-op.
func (m *Machine) Settle(to State) error {
	current := m.Current()
	if current == to {
		return nil
	}
	if !slices.Contains(validTransitions[current], to) {
		if err := m.Transition(Loading); err != nil {
			return err
		}
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
