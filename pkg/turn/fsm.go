package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:              {StateListeningUser},
	StateListeningUser:     {StateThinkingAssistant},
	StateThinkingAssistant: {StateSpeakingAssistant},
	StateSpeakingAssistant: {StateListeningUser, StateInterrupted},
	StateInterrupted:       {StateListeningUser},
}

// recoveryTransitions are only taken with ReasonRecovery: the assistant had
// nothing to play and the floor returns to the user.
var recoveryTransitions = map[State]State{
	StateThinkingAssistant: StateListeningUser,
}

// Allowed reports whether from -> to is a legal transition for reason.
func Allowed(from, to State, reason string) bool {
	if to == StateIdle {
		return from != StateIdle
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	if reason == ReasonRecovery {
		if target, ok := recoveryTransitions[from]; ok && target == to {
			return true
		}
	}
	return false
}

// stateMachine holds the session TurnState.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	since     time.Time
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle, since: time.Now()}
}

func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since returns when the current state was entered.
func (sm *stateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(to State, reason string) (StateChange, error) {
	sm.mu.Lock()
	from := sm.current
	if !Allowed(from, to, reason) {
		sm.mu.Unlock()
		return StateChange{}, &InvalidTransitionError{From: from, To: to, Reason: reason}
	}
	now := time.Now()
	sm.current = to
	sm.since = now
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	// Notify listeners without the lock so they may read the state.
	event := StateChange{FromState: from, ToState: to, Timestamp: now, Reason: reason}
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return event, nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From   State
	To     State
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String() + " (" + e.Reason + ")"
}
