package core

import (
	"fmt"
	"sync/atomic"
)

// State is a lifecycle state shared by the transmit, capture and monitor machines.
type State int32

const (
	// StateIdle is the resting state of the transmit machine.
	StateIdle State = iota
	// StateSuspended is the initial state of the capture and monitor machines.
	StateSuspended
	// StateRunning indicates active transmit, capture or sampling.
	StateRunning
	// StateDone indicates a finished capture cycle or an exited monitor.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Machine is a small finite state machine with a fixed transition table.
// Reads are lock-free so status queries never block the control plane.
type Machine struct {
	name  string
	state atomic.Int32
	edges map[State][]State
}

func newMachine(name string, initial State, edges map[State][]State) *Machine {
	m := &Machine{name: name, edges: edges}
	m.state.Store(int32(initial))
	return m
}

// NewTransmitMachine returns the transmit machine: idle -> running -> idle.
func NewTransmitMachine() *Machine {
	return newMachine("transmit", StateIdle, map[State][]State{
		StateIdle:    {StateRunning},
		StateRunning: {StateIdle},
	})
}

// NewCaptureMachine returns the capture machine: suspended -> running -> done.
// A new capture cycle re-enters suspended from done.
func NewCaptureMachine() *Machine {
	return newMachine("capture", StateSuspended, map[State][]State{
		StateSuspended: {StateSuspended, StateRunning},
		StateRunning:   {StateDone},
		StateDone:      {StateSuspended},
	})
}

// NewMonitorMachine returns the statistics monitor machine.
func NewMonitorMachine() *Machine {
	return newMachine("monitor", StateSuspended, map[State][]State{
		StateSuspended: {StateRunning, StateDone},
		StateRunning:   {StateDone},
		StateDone:      {StateSuspended},
	})
}

// Name returns the machine name used in diagnostics.
func (m *Machine) Name() string {
	return m.name
}

// Current returns the current state.
func (m *Machine) Current() State {
	return State(m.state.Load())
}

// Is reports whether the machine is in state s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition moves the machine to state to. A transition missing from the
// table leaves the state untouched and returns ErrInvalidTransition.
func (m *Machine) Transition(to State) error {
	for {
		from := m.Current()
		if !m.allowed(from, to) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.name, from, to)
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

func (m *Machine) allowed(from, to State) bool {
	for _, s := range m.edges[from] {
		if s == to {
			return true
		}
	}
	return false
}
