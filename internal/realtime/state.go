package realtime

import (
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateRejected
	StateClosed
)

var ErrIllegalTransition = errors.New("illegal session state transition")

var stateNames = map[State]string{
	StateConnecting:    "connecting",
	StateAuthenticated: "authenticated",
	StateJoined:        "joined",
	StateRejected:      "rejected",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateRejected},
	StateAuthenticated: {StateJoined, StateRejected, StateClosed},
	StateJoined:        {StateClosed},
	StateRejected:      {StateClosed},
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
}
