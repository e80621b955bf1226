package fsm

import "context"

type (
	// State is a function that implements the logic for a single state.
	State func(context.Context) Action

	// StateWith is a state that accepts a single argument, typically the
	// input that caused the transition into the state.
	StateWith[T any] func(context.Context, T) Action
)

// Binding binds a [StateWith] to its argument.
type Binding[T any] struct {
	v T
}

// With returns a binding that passes v to the next state.
func With[T any](v T) Binding[T] {
	return Binding[T]{v}
}

// EnterState returns an action that transitions to s, invoking it with the
// bound argument.
func (b Binding[T]) EnterState(s StateWith[T]) Action {
	if s == nil {
		panic("state must not be nil")
	}

	return EnterState(
		func(ctx context.Context) Action {
			return s(ctx, b.v)
		},
	)
}
