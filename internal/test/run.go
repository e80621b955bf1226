package test

import (
	"context"
	"errors"
	"time"
)

// TaskRunner launches a task in the background.
type TaskRunner struct {
	t    TestingT
	name string
	fn   func(ctx context.Context) error
}

// RunInBackground returns a [TaskRunner] that executes fn in its own goroutine.
//
// The name is used to identify the task in failure messages.
func RunInBackground(
	t TestingT,
	name string,
	fn func(ctx context.Context) error,
) TaskRunner {
	t.Helper()
	return TaskRunner{t, name, fn}
}

// UntilStopped executes the task in its own goroutine until the test ends or it
// is stopped explicitly.
func (r TaskRunner) UntilStopped() *Task {
	r.t.Helper()
	return r.run()
}

// UntilTestEnds executes the task in its own goroutine until the test ends.
//
// If the task completes before the test ends, the test fails.
func (r TaskRunner) UntilTestEnds() *Task {
	r.t.Helper()

	task := r.run()

	r.t.Cleanup(func() {
		r.t.Helper()

		select {
		case <-task.Done():
			switch task.err {
			case errStopped:
				r.t.Logf("%q task was explicitly (but unexpectedly) stopped before the test ended", r.name)
			case nil:
				r.t.Errorf("%q task returned before the test ended", r.name)
			default:
				r.t.Errorf("%q task returned an error before the test ended: %s", r.name, task.err)
			}
		default:
			task.Stop()
			<-task.Done()

			if task.err != errStopped {
				r.t.Errorf("%q task returned an unexpected error: %s", r.name, task.err)
			}
		}
	})

	return task
}

func (r TaskRunner) run() *Task {
	r.t.Helper()

	ctx, cancel := context.WithCancelCause(context.Background())

	task := &Task{
		t:      r.t,
		name:   r.name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		err := r.fn(ctx)

		if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
			task.err = context.Cause(ctx)
		} else {
			task.err = err
		}

		close(task.done)
	}()

	r.t.Cleanup(func() {
		r.t.Helper()

		cancel(nil)

		select {
		case <-task.done:
		case <-time.After(shutdownTimeout):
			r.t.Errorf("%q task's context was canceled but it did not return within %s", r.name, shutdownTimeout)
		}
	})

	return task
}

const shutdownTimeout = 10 * time.Second

var errStopped = errors.New("task stopped")

// Task represents a function running in the background.
type Task struct {
	t      TestingT
	name   string
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Stop cancels the context passed to the function.
func (t *Task) Stop() {
	t.cancel(errStopped)
}

// Done returns a channel that is closed when the function returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait waits for the function to return and returns its error, or fails the
// test if it does not return before the test's context is canceled.
func (t *Task) Wait() error {
	t.t.Helper()

	ctx := contextOf(t.t)

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		t.t.Fatalf("%q task did not return: %s", t.name, ctx.Err())
		return nil
	}
}

// Err returns the error returned by the function.
//
// It fails the test if the function has not yet returned.
func (t *Task) Err() error {
	t.t.Helper()

	select {
	case <-t.done:
	default:
		t.t.Fatalf("%q task has not returned", t.name)
	}

	return t.err
}
