package test

import (
	"context"
	"time"
)

// DefaultTimeout is the timeout applied to the context returned by
// [WithContext].
const DefaultTimeout = 10 * time.Second

// Context is a [TestingT] that also carries a [context.Context] that is
// canceled when the test ends.
type Context struct {
	TestingT
	context.Context
}

// WithContext returns a [Context] that wraps t. Its context is canceled when
// the test ends, or after [DefaultTimeout].
func WithContext(t TestingT) *Context {
	t.Helper()

	ctx, _ := ContextWithTimeout(t, DefaultTimeout)
	return &Context{t, ctx}
}

// ContextWithTimeout returns a context that is cancelled when the test completes.
func ContextWithTimeout(
	t TestingT,
	timeout time.Duration,
) (context.Context, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return ctx, cancel
}

// contextOf returns the context associated with t, if any.
func contextOf(t FailerT) context.Context {
	if c, ok := t.(*Context); ok {
		return c.Context
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	if c, ok := t.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(cancel)
	}

	return ctx
}
