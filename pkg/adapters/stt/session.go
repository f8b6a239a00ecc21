package stt

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle of a Session: Unopened -> Opening -> Ready -> Closed.
// Opening may also go straight to Closed. Closed is terminal.
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "UNOPENED"
	case StateOpening:
		return "OPENING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Lifecycle holds a session state and enforces its transitions.
type Lifecycle struct {
	state atomic.Int32
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Transition moves from -> to and reports whether it happened. Only forward
// moves along the state machine are accepted.
func (l *Lifecycle) Transition(from, to State) bool {
	if !transitionValid(from, to) {
		return false
	}
	return l.state.CompareAndSwap(int32(from), int32(to))
}

// Close moves to StateClosed from any state and returns the previous state.
func (l *Lifecycle) Close() State {
	return State(l.state.Swap(int32(StateClosed)))
}

func transitionValid(from, to State) bool {
	switch from {
	case StateUnopened:
		return to == StateOpening
	case StateOpening:
		return to == StateReady || to == StateClosed
	case StateReady:
		return to == StateClosed
	default:
		return false
	}
}

// Emitter serializes session events onto a channel and closes it exactly once.
type Emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev in order. It reports false once the stream is closed.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.ch <- ev
	return true
}

// Close emits the terminal event and closes the stream. Later calls are no-ops.
func (e *Emitter) Close(final Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.ch <- final
	close(e.ch)
	return true
}
