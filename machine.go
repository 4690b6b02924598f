package p2p

import "fmt"

// Event is implemented by every value that can be posted to a Machine:
// a decoded wire Message, or an internal event such as connectionLost.
type Event interface{}

// State is the value a Machine currently holds. It carries no required
// methods; Enter/Exit/On/Post behavior is detected structurally via the
// optional interfaces below. This is the Go analogue of
// state_machine.hpp's compile-time trait detection (has_enter_v,
// has_exit_v, has_exact_on_v, has_exact_post_v) — Go has no templates,
// so the same "does this type happen to implement it" check happens at
// the interface-assertion level instead of at compile time.
type State interface{}

// Enterer is implemented by states that run code on entry.
type Enterer interface {
	Enter()
}

// Exiter is implemented by states that run code on exit.
type Exiter interface {
	Exit()
}

// OnHandler is implemented by states that react to a posted event. A
// non-nil return value is the next state; nil means stay.
type OnHandler interface {
	On(event Event) State
}

// PostHandler is implemented by container states that own one or more
// nested sub-machines. Post forwards event to them. It is only invoked
// when the container's own On (if any) did not transition away from it.
type PostHandler interface {
	Post(event Event)
}

// Machine runs exactly one State at a time and dispatches posted events
// to it, transitioning as directed. It is not safe for concurrent Post
// calls; a Session serializes Post through its single dispatch
// goroutine (spec §5).
type Machine struct {
	name      string
	state     State
	started   bool
	onTransit func(from, to State)
}

// NewMachine creates a Machine holding initial, not yet entered.
func NewMachine(name string, initial State) *Machine {
	return &Machine{name: name, state: initial}
}

// OnTransition installs a hook invoked after every transition, for
// logging or metrics. It replaces any previously installed hook.
func (m *Machine) OnTransition(f func(from, to State)) { m.onTransit = f }

// Initialize enters the initial state. Calling it twice is a no-op.
func (m *Machine) Initialize() {
	if m.started {
		return
	}
	m.started = true
	if e, ok := m.state.(Enterer); ok {
		e.Enter()
	}
}

// Shutdown exits the current state. Calling it before Initialize, or
// twice, is a no-op.
func (m *Machine) Shutdown() {
	if !m.started {
		return
	}
	m.started = false
	if e, ok := m.state.(Exiter); ok {
		e.Exit()
	}
}

// Current returns the state the machine currently holds.
func (m *Machine) Current() State {
	return m.state
}

// Post delivers event to the current state. Posting to a machine that
// has not been Initialized is a programmer error.
func (m *Machine) Post(event Event) {
	if !m.started {
		panic(fmt.Sprintf("p2p: Post(%T) on uninitialized machine %q", event, m.name))
	}

	current := m.state
	var next State
	if h, ok := current.(OnHandler); ok {
		next = h.On(event)
	}

	if next != nil {
		m.transition(current, next)
		return
	}

	if p, ok := current.(PostHandler); ok {
		p.Post(event)
	}
}

func (m *Machine) transition(from, to State) {
	if e, ok := from.(Exiter); ok {
		e.Exit()
	}
	m.state = to
	if e, ok := to.(Enterer); ok {
		e.Enter()
	}
	if m.onTransit != nil {
		m.onTransit(from, to)
	}
}
