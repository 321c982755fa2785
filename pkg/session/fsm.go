package session

import (
	"sync"
	"time"
)

type State int

const (
	StateRinging State = iota
	StateActive
	StateListening
	StateSpeaking
	StateWrappingUp
	StateEnded
	StateErrored
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateRinging:
		return "RINGING"
	case StateActive:
		return "ACTIVE"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateWrappingUp:
		return "WRAPPING_UP"
	case StateEnded:
		return "ENDED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the call has reached a final state.
func (s State) Terminal() bool {
	return s == StateEnded
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes call state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine validates and tracks one call's lifecycle transitions.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	listeners    []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateRinging}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (m *stateMachine) transitionValid(from, to State) bool {
	// ERRORED absorbs from any non-terminal state.
	if to == StateErrored {
		return from != StateEnded
	}
	// A hangup can force wrap-up from anywhere non-terminal.
	if to == StateWrappingUp {
		return from != StateEnded && from != StateWrappingUp
	}
	validTransitions := map[State][]State{
		StateRinging:    {StateActive},
		StateActive:     {StateListening},
		StateListening:  {StateSpeaking},
		StateSpeaking:   {StateListening},
		StateWrappingUp: {StateEnded},
		StateErrored:    {},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !m.transitionValid(m.currentState, state) {
		err := &InvalidTransitionError{From: m.currentState, To: state}
		m.mu.Unlock()
		return err
	}
	oldState := m.currentState
	m.currentState = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
