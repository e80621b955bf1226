package fsm

import (
	"context"
)

// fsm is the internal state of a finite state machine.
type fsm struct {
	ctx            context.Context
	current, final State
	err            error
}

// execute runs s and applies the returned action to m.
func (m *fsm) execute(s State) {
	act := s(m.ctx)
	if act.apply == nil {
		panic("state must return a valid action")
	}
	act.apply(m)
}

// Start runs the state machine until it is stopped or fails.
//
// It returns the error passed to [Fail], or nil if the machine was stopped
// with [Stop].
func Start(ctx context.Context, initial State, options ...Option) error {
	if initial == nil {
		panic("initial state must not be nil")
	}

	m := &fsm{
		ctx:     ctx,
		current: initial,
	}

	for _, opt := range options {
		opt.apply(m)
	}

	for m.current != nil {
		m.execute(m.current)

		if m.current == nil && m.final != nil {
			final := m.final
			m.final = nil
			m.execute(final)
		}
	}

	return m.err
}

// Option is an option that changes the behavior of a state machine.
type Option struct {
	apply func(*fsm)
}

// WithFinalState is an option that sets the final state of a state machine.
//
// The final state is entered exactly once, the first time the state machine
// stops or fails, regardless of which state was current at the time. It is
// used to release resources owned by the machine. Any error passed to [Fail]
// before the final state is entered is preserved unless the final state
// itself fails.
func WithFinalState(s State) Option {
	return Option{func(m *fsm) {
		m.final = s
	}}
}
