package fsm

import (
	"fmt"
	"sync"
)

type State string
type Event string

// Handler runs after a transition commits. It must not Fire the same
// machine recursively from another goroutine while relying on ordering.
type Handler func(event Event, from, to State)

// StateMachine is a small table-driven state machine used to track and
// validate the supervisor's lifecycle phase. Fire is safe for concurrent
// use, though in practice only the supervisor main loop drives it.
type StateMachine struct {
	mu          sync.Mutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Is reports whether the machine currently sits in the given state.
func (sm *StateMachine) Is(s State) bool {
	return sm.Current() == s
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// Fire triggers a state transition. The state change commits before the
// transition callback runs, and the callback runs outside the lock so it
// may Fire follow-up events.
func (sm *StateMachine) Fire(event Event) error {
	sm.mu.Lock()

	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("invalid transition from %s via %s", from, event)
	}
	handler := sm.callbacks[from][event]
	sm.current = next
	sm.mu.Unlock()

	if handler != nil {
		handler(event, from, next)
	}
	return nil
}

// CanFire reports whether event is a legal transition from the current state.
func (sm *StateMachine) CanFire(event Event) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.transitions[sm.current][event]
	return ok
}
