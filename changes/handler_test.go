package changes_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/dogmatiq/viewfeed/changes"
	"github.com/dogmatiq/viewfeed/internal/test"
	"github.com/dogmatiq/viewfeed/notifier"
	"github.com/dogmatiq/viewfeed/view"
	"github.com/dogmatiq/viewfeed/view/memoryview"
)

// lessorStub is a [view.Lessor] that counts calls.
type lessorStub struct {
	AcquireErr error
	ReleaseErr error

	acquired atomic.Int64
	released atomic.Int64
}

func (l *lessorStub) Acquire(context.Context, view.Kind, view.Identity) error {
	if l.AcquireErr != nil {
		return l.AcquireErr
	}
	l.acquired.Add(1)
	return nil
}

func (l *lessorStub) Release(context.Context, view.Kind, view.Identity) error {
	l.released.Add(1)
	return l.ReleaseErr
}

func (l *lessorStub) expectCounts(t *testing.T, acquired, released int64) {
	t.Helper()
	test.Expect(t, "unexpected number of lease acquisitions", l.acquired.Load(), acquired)
	test.Expect(t, "unexpected number of lease releases", l.released.Load(), released)
}

// executorSpy is a [view.Executor] that counts queries and can be made to
// fail.
type executorSpy struct {
	view.Executor

	m     sync.Mutex
	calls int
	err   error
}

func (x *executorSpy) QueryChanges(ctx context.Context, q view.Query, fn view.EntryFunc) error {
	x.m.Lock()
	x.calls++
	err := x.err
	x.m.Unlock()

	if err != nil {
		return err
	}

	return x.Executor.QueryChanges(ctx, q, fn)
}

func (x *executorSpy) Calls() int {
	x.m.Lock()
	defer x.m.Unlock()
	return x.calls
}

func (x *executorSpy) Fail(err error) {
	x.m.Lock()
	defer x.m.Unlock()
	x.err = err
}

// executorFunc adapts a function to the [view.Executor] interface.
type executorFunc func(context.Context, view.Query, view.EntryFunc) error

func (f executorFunc) QueryChanges(ctx context.Context, q view.Query, fn view.EntryFunc) error {
	return f(ctx, q, fn)
}

// notifierFunc adapts a function to the [view.Notifier] interface.
type notifierFunc func(context.Context, string, func(), func(view.LifecycleEvent)) error

func (f notifierFunc) Listen(ctx context.Context, db string, ready func(), fn func(view.LifecycleEvent)) error {
	return f(ctx, db, ready, fn)
}

// recorder is a callback that records events, optionally stopping at a given
// event.
type recorder struct {
	StopWhen func(Event) bool

	events chan Event
}

func (r *recorder) Callback(_ context.Context, ev Event, acc []Event) (view.Signal, []Event) {
	acc = append(acc, ev)

	if r.events != nil {
		r.events <- ev
	}

	if r.StopWhen != nil && r.StopWhen(ev) {
		return view.Stop, acc
	}

	return view.Continue, acc
}

func (r *recorder) expectNoEvents(t *testing.T) {
	t.Helper()

	if n := len(r.events); n != 0 {
		t.Fatalf("callback received %d unexpected event(s)", n)
	}
}

func change(seq uint64, key string) Event {
	return Event{
		Type: ChangeEvent,
		Entry: view.Entry{
			Seq:   seq,
			DocID: "<doc-" + key + ">",
			Key:   []byte(key),
		},
		Since: seq,
	}
}

func stop(since uint64) Event {
	return Event{Type: StopEvent, Since: since}
}

func TestHandle(t *testing.T) {
	t.Parallel()

	id := view.Identity{Database: "<db>", Index: "<index>"}

	type fixture struct {
		Hub      *notifier.Hub
		Store    *memoryview.Store
		Executor *executorSpy
		Leases   *lessorStub
		Handler  *Handler
		Recorder *recorder
	}

	setup := func(t *testing.T) *fixture {
		hub := &notifier.Hub{Logger: test.NewLogger(t)}
		store := &memoryview.Store{Publisher: hub}

		if err := store.Append(
			id,
			"<view>",
			view.Entry{Seq: 1, DocID: "<doc-a>", Key: []byte("a")},
			view.Entry{Seq: 2, DocID: "<doc-b>", Key: []byte("b")},
			view.Entry{Seq: 3, DocID: "<doc-c>", Key: []byte("c")},
		); err != nil {
			t.Fatal(err)
		}

		f := &fixture{
			Hub:      hub,
			Store:    store,
			Executor: &executorSpy{Executor: store},
			Leases:   &lessorStub{},
			Recorder: &recorder{
				events: make(chan Event, 100),
			},
		}

		p := test.NewTelemetryProvider(t)

		f.Handler = &Handler{
			Executor:       f.Executor,
			Notifier:       hub,
			Leases:         f.Leases,
			DefaultTimeout: 10 * time.Second,
			DefaultRefresh: true,
			Logger:         p.Logger,
			TracerProvider: p.TracerProvider,
			MeterProvider:  p.MeterProvider,
		}

		return f
	}

	request := func(f *fixture, opts Options) Request[[]Event] {
		return Request[[]Event]{
			Identity: id,
			View:     "<view>",
			Callback: f.Recorder.Callback,
			Options:  opts,
		}
	}

	waitForListeners := func(t *testing.T, f *fixture, n int) {
		t.Helper()

		deadline := time.Now().Add(5 * time.Second)
		for f.Hub.ListenerCount(id.Database) != n {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d update subscription(s)", n)
			}
			time.Sleep(time.Millisecond)
		}
	}

	// handleInBackground starts Handle in its own goroutine. The returned
	// function waits for Handle to return.
	handleInBackground := func(
		t *testing.T,
		f *fixture,
		req Request[[]Event],
	) func() ([]Event, error) {
		var got []Event

		task := test.
			RunInBackground(t, "handle", func(ctx context.Context) error {
				var err error
				got, err = Handle(ctx, f.Handler, req)
				return err
			}).
			UntilStopped()

		return func() ([]Event, error) {
			err := task.Wait()
			return got, err
		}
	}

	t.Run("when streaming is off", func(t *testing.T) {
		t.Parallel()

		t.Run("it delivers the entries after the checkpoint and then stops", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			got, err := Handle(tctx, f.Handler, request(f, Options{Since: 1}))
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(2, "b"),
					change(3, "c"),
					stop(3),
				},
			)

			f.Leases.expectCounts(t, 1, 1)
			test.Expect(t, "unexpected number of listeners", f.Hub.ListenerCount(id.Database), 0)
		})

		t.Run("it applies the view options", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			got, err := Handle(
				tctx,
				f.Handler,
				request(f, Options{
					ViewOptions: view.Options{
						Keys: [][]byte{[]byte("a"), []byte("c")},
					},
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(1, "a"),
					change(3, "c"),
					stop(3),
				},
			)
		})

		t.Run("it threads the checkpoint through chained queries", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			got, err := Handle(
				tctx,
				f.Handler,
				request(f, Options{
					Queries: []view.Options{
						{Keys: [][]byte{[]byte("b")}},
						{Keys: [][]byte{[]byte("a"), []byte("c")}},
					},
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			// The second query starts after the checkpoint reached by the
			// first, so the entry with key "a" is never delivered.
			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(2, "b"),
					change(3, "c"),
					stop(3),
				},
			)

			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 2)
		})

		t.Run("it stops early when the callback returns Stop", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Recorder.StopWhen = func(ev Event) bool {
				return ev.Entry.Seq == 1
			}

			got, err := Handle(
				tctx,
				f.Handler,
				request(f, Options{
					Queries: []view.Options{
						{Keys: [][]byte{[]byte("a")}},
						{Keys: [][]byte{[]byte("b")}},
					},
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(1, "a"),
					stop(1),
				},
			)

			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 1)
			f.Leases.expectCounts(t, 1, 1)
		})

		t.Run("it returns the executor's error without a final stop", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			got, err := Handle(
				tctx,
				f.Handler,
				request(f, Options{
					ViewOptions: view.Options{Limit: -1},
				}),
			)
			if !errors.Is(err, view.ErrInvalidOptions) {
				t.Fatalf("unexpected error: got %v, want %v", err, view.ErrInvalidOptions)
			}

			test.Expect(t, "unexpected accumulator", got, []Event(nil))
			f.Recorder.expectNoEvents(t)
			f.Leases.expectCounts(t, 1, 1)
		})

		t.Run("it returns an error if the index does not exist", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Store.DeleteIndex(id)

			_, err := Handle(tctx, f.Handler, request(f, Options{}))
			if !errors.Is(err, view.ErrIndexNotFound) {
				t.Fatalf("unexpected error: got %v, want %v", err, view.ErrIndexNotFound)
			}

			f.Leases.expectCounts(t, 1, 1)
		})
	})

	t.Run("when the request is invalid", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			Desc    string
			Request func(*fixture) Request[[]Event]
		}{
			{
				"it rejects queries combined with view options",
				func(f *fixture) Request[[]Event] {
					return request(f, Options{
						ViewOptions: view.Options{Limit: 1},
						Queries:     []view.Options{{}},
					})
				},
			},
			{
				"it rejects an unrecognized stream mode",
				func(f *fixture) Request[[]Event] {
					return request(f, Options{Stream: StreamMode(100)})
				},
			},
			{
				"it rejects an unrecognized refresh mode",
				func(f *fixture) Request[[]Event] {
					return request(f, Options{Refresh: RefreshMode(100)})
				},
			},
			{
				"it rejects a negative timeout",
				func(f *fixture) Request[[]Event] {
					return request(f, Options{Timeout: -1})
				},
			},
			{
				"it rejects a negative heartbeat interval",
				func(f *fixture) Request[[]Event] {
					return request(f, Options{Heartbeat: Heartbeat{Interval: -1}})
				},
			},
			{
				"it rejects a nil callback",
				func(f *fixture) Request[[]Event] {
					req := request(f, Options{})
					req.Callback = nil
					return req
				},
			},
		}

		for _, c := range cases {
			c := c

			t.Run(c.Desc, func(t *testing.T) {
				t.Parallel()

				tctx := test.WithContext(t)
				f := setup(t)

				_, err := Handle(tctx, f.Handler, c.Request(f))
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("unexpected error: got %v, want %v", err, ErrInvalidRequest)
				}

				test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 0)
				f.Recorder.expectNoEvents(t)
				f.Leases.expectCounts(t, 0, 0)
			})
		}
	})

	t.Run("when refreshing", func(t *testing.T) {
		t.Parallel()

		t.Run("it does not hold a lease when refresh is disabled", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			if _, err := Handle(tctx, f.Handler, request(f, Options{Refresh: NoRefresh})); err != nil {
				t.Fatal(err)
			}

			f.Leases.expectCounts(t, 0, 0)
		})

		t.Run("it uses the handler's default", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Handler.DefaultRefresh = false

			if _, err := Handle(tctx, f.Handler, request(f, Options{})); err != nil {
				t.Fatal(err)
			}
			f.Leases.expectCounts(t, 0, 0)

			if _, err := Handle(tctx, f.Handler, request(f, Options{Refresh: Refresh})); err != nil {
				t.Fatal(err)
			}
			f.Leases.expectCounts(t, 1, 1)
		})

		t.Run("it does not query the index if the lease can not be acquired", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Leases.AcquireErr = errors.New("<error>")

			_, err := Handle(tctx, f.Handler, request(f, Options{}))
			if !errors.Is(err, f.Leases.AcquireErr) {
				t.Fatalf("unexpected error: got %v, want %v", err, f.Leases.AcquireErr)
			}

			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 0)
			f.Leases.expectCounts(t, 0, 0)
		})

		t.Run("it returns the error from releasing the lease", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Leases.ReleaseErr = errors.New("<error>")

			got, err := Handle(tctx, f.Handler, request(f, Options{Since: 2}))
			if !errors.Is(err, f.Leases.ReleaseErr) {
				t.Fatalf("unexpected error: got %v, want %v", err, f.Leases.ReleaseErr)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(3, "c"),
					stop(3),
				},
			)
		})
	})

	t.Run("when streaming continuously", func(t *testing.T) {
		t.Parallel()

		t.Run("it delivers entries as the index is updated", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Recorder.StopWhen = func(ev Event) bool {
				return ev.Entry.Seq == 5
			}

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			waitForListeners(t, f, 1)

			if err := f.Store.Append(id, "<view>", view.Entry{Seq: 4, DocID: "<doc-d>", Key: []byte("d")}); err != nil {
				t.Fatal(err)
			}
			test.ExpectChannelToReceive(tctx, f.Recorder.events, change(4, "d"))

			if err := f.Store.Append(id, "<view>", view.Entry{Seq: 5, DocID: "<doc-e>", Key: []byte("e")}); err != nil {
				t.Fatal(err)
			}

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(4, "d"),
					change(5, "e"),
					stop(5),
				},
			)

			f.Leases.expectCounts(t, 1, 1)
			waitForListeners(t, f, 0)
		})

		t.Run("it ignores updates to other indexes", func(t *testing.T) {
			t.Parallel()

			f := setup(t)

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			waitForListeners(t, f, 1)

			other := view.Identity{Database: id.Database, Index: "<other-index>"}
			if err := f.Store.Append(other, "<view>", view.Entry{Seq: 1, DocID: "<doc>"}); err != nil {
				t.Fatal(err)
			}

			test.ExpectChannelToBlockForDuration(t, 50*time.Millisecond, f.Recorder.events)
			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 1)

			f.Store.DeleteIndex(id)

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(t, "unexpected events", got, []Event{stop(3)})
		})

		t.Run("it ignores unrecognized lifecycle events", func(t *testing.T) {
			t.Parallel()

			f := setup(t)

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			waitForListeners(t, f, 1)

			f.Hub.Publish(view.LifecycleEvent{
				Type:     view.LifecycleEventType(100),
				Identity: id,
			})

			test.ExpectChannelToBlockForDuration(t, 50*time.Millisecond, f.Recorder.events)
			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 1)

			f.Hub.Deleted(id)

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(t, "unexpected events", got, []Event{stop(3)})
		})

		t.Run("it stops without querying when the index is deleted", func(t *testing.T) {
			t.Parallel()

			f := setup(t)

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  1,
					Stream: StreamContinuous,
				}),
			)

			waitForListeners(t, f, 1)
			f.Store.DeleteIndex(id)

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(2, "b"),
					change(3, "c"),
					stop(3),
				},
			)

			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 1)
			f.Leases.expectCounts(t, 1, 1)
		})

		t.Run("it returns the executor's error without a final stop", func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			want := errors.New("<error>")

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			waitForListeners(t, f, 1)
			f.Executor.Fail(want)
			f.Hub.Updated(id)

			got, err := wait()
			test.Expect(t, "unexpected error", err, want)
			test.Expect(t, "unexpected accumulator", got, []Event(nil))
			f.Recorder.expectNoEvents(t)

			f.Leases.expectCounts(t, 1, 1)
			waitForListeners(t, f, 0)
		})

		t.Run("it stops when the context is canceled", func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			result := make(chan error, 1)
			go func() {
				_, err := Handle(ctx, f.Handler, request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}))
				result <- err
			}()

			waitForListeners(t, f, 1)
			cancel()

			test.ExpectChannelToReceive(t, result, context.Canceled)
			f.Recorder.expectNoEvents(t)

			f.Leases.expectCounts(t, 1, 1)
			waitForListeners(t, f, 0)
		})

		t.Run("it stops when the idle timeout elapses without a heartbeat", func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			start := time.Now()

			got, err := Handle(
				test.WithContext(t),
				f.Handler,
				request(f, Options{
					Since:   3,
					Stream:  StreamContinuous,
					Timeout: 100 * time.Millisecond,
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
				t.Fatalf("stopped after %s, before the idle timeout elapsed", elapsed)
			}

			test.Expect(t, "unexpected events", got, []Event{stop(3)})
		})

		t.Run("it keeps the request alive with heartbeats", func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			start := time.Now()

			const (
				interval = 50 * time.Millisecond
				timeout  = 1000 * time.Millisecond
			)

			count := 0
			f.Recorder.StopWhen = func(ev Event) bool {
				if ev.Type == HeartbeatEvent {
					count++
				}
				return time.Since(start) > timeout+(5*interval)
			}

			got, err := Handle(
				test.WithContext(t),
				f.Handler,
				request(f, Options{
					Since:     3,
					Stream:    StreamContinuous,
					Timeout:   timeout,
					Heartbeat: Heartbeat{Interval: interval},
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			if len(got) < 2 {
				t.Fatalf("unexpected number of events: %d", len(got))
			}

			for _, ev := range got[:len(got)-1] {
				if ev.Type != HeartbeatEvent {
					t.Fatalf("unexpected %s event before the final stop", ev.Type)
				}
				if ev.Since != 3 {
					t.Fatalf("unexpected checkpoint in heartbeat: got %d, want 3", ev.Since)
				}
			}

			test.Expect(t, "unexpected final event", got[len(got)-1], stop(3))

			// Allow for scheduling delays, but there must be many more
			// heartbeats than idle timeouts.
			if count < int(timeout/interval)/2 {
				t.Fatalf("too few heartbeats: %d", count)
			}
		})

		t.Run("it delivers heartbeats when the idle timeout elapses", func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			f.Recorder.StopWhen = func(ev Event) bool {
				return ev.Type == HeartbeatEvent
			}

			got, err := Handle(
				test.WithContext(t),
				f.Handler,
				request(f, Options{
					Since:     3,
					Stream:    StreamContinuous,
					Timeout:   20 * time.Millisecond,
					Heartbeat: Heartbeat{Enabled: true},
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					{Type: HeartbeatEvent, Since: 3},
					stop(3),
				},
			)
		})

		t.Run("it resubscribes when the update subscription fails", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			fail := test.FailOnce(errors.New("<error>"))
			listens := make(chan string, 10)

			f.Handler.Notifier = notifierFunc(
				func(ctx context.Context, db string, ready func(), fn func(view.LifecycleEvent)) error {
					listens <- db
					if err := fail(); err != nil {
						return err
					}
					return f.Hub.Listen(ctx, db, ready, fn)
				},
			)

			f.Recorder.StopWhen = func(ev Event) bool {
				return ev.Entry.Seq == 4
			}

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			test.ExpectChannelToReceive(tctx, listens, id.Database)
			test.ExpectChannelToReceive(tctx, listens, id.Database)
			waitForListeners(t, f, 1)

			test.ExpectChannelToBlockForDuration(t, 20*time.Millisecond, f.Recorder.events)

			if err := f.Store.Append(id, "<view>", view.Entry{Seq: 4, DocID: "<doc-d>", Key: []byte("d")}); err != nil {
				t.Fatal(err)
			}

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(4, "d"),
					stop(4),
				},
			)
		})

		t.Run("it resubscribes when the notifier panics", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			var panicked atomic.Bool
			listens := make(chan string, 10)

			f.Handler.Notifier = notifierFunc(
				func(ctx context.Context, db string, ready func(), fn func(view.LifecycleEvent)) error {
					listens <- db
					if panicked.CompareAndSwap(false, true) {
						panic("<panic>")
					}
					return f.Hub.Listen(ctx, db, ready, fn)
				},
			)

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			test.ExpectChannelToReceive(tctx, listens, id.Database)
			test.ExpectChannelToReceive(tctx, listens, id.Database)
			waitForListeners(t, f, 1)

			f.Store.DeleteIndex(id)

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(t, "unexpected events", got, []Event{stop(3)})
		})

		t.Run("it resubscribes when the listener can not keep up", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)
			f.Hub.BufferSize = 1

			listens := make(chan string, 10)
			f.Handler.Notifier = notifierFunc(
				func(ctx context.Context, db string, ready func(), fn func(view.LifecycleEvent)) error {
					listens <- db
					return f.Hub.Listen(ctx, db, ready, fn)
				},
			)

			block := make(chan struct{})
			var blocked atomic.Bool

			f.Recorder.StopWhen = func(ev Event) bool {
				if ev.Entry.Seq == 4 && blocked.CompareAndSwap(false, true) {
					<-block
				}
				return ev.Entry.Seq == 100
			}

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamContinuous,
				}),
			)

			waitForListeners(t, f, 1)

			// The callback blocks while handling entry 4, so the updates for
			// entries 5 through 7 overflow the listener's buffer.
			for seq := uint64(4); seq <= 7; seq++ {
				if err := f.Store.Append(id, "<view>", view.Entry{Seq: seq, DocID: "<doc>"}); err != nil {
					t.Fatal(err)
				}
				if seq == 4 {
					test.ExpectChannelToReceive(
						tctx,
						f.Recorder.events,
						Event{
							Type:  ChangeEvent,
							Entry: view.Entry{Seq: 4, DocID: "<doc>"},
							Since: 4,
						},
					)
				}
			}

			close(block)

			// Updates made before the replacement listener is registered are
			// not delivered.
			test.ExpectChannelToReceive(tctx, listens, id.Database)
			test.ExpectChannelToReceive(tctx, listens, id.Database)
			waitForListeners(t, f, 1)

			if err := f.Store.Append(id, "<view>", view.Entry{Seq: 100, DocID: "<doc>"}); err != nil {
				t.Fatal(err)
			}

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			last := got[len(got)-2]
			test.Expect(
				t,
				"unexpected last change",
				last,
				Event{
					Type:  ChangeEvent,
					Entry: view.Entry{Seq: 100, DocID: "<doc>"},
					Since: 100,
				},
			)
			test.Expect(t, "unexpected final event", got[len(got)-1], stop(100))
		})
	})

	t.Run("when streaming until caught up", func(t *testing.T) {
		t.Parallel()

		t.Run("it stops immediately if the checkpoint advances", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			got, err := Handle(
				tctx,
				f.Handler,
				request(f, Options{
					Since:  2,
					Stream: StreamUntilCaughtUp,
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(3, "c"),
					stop(3),
				},
			)
		})

		t.Run("it waits for exactly one update if already caught up", func(t *testing.T) {
			t.Parallel()

			f := setup(t)

			wait := handleInBackground(
				t,
				f,
				request(f, Options{
					Since:  3,
					Stream: StreamUntilCaughtUp,
				}),
			)

			waitForListeners(t, f, 1)
			test.ExpectChannelToBlockForDuration(t, 50*time.Millisecond, f.Recorder.events)

			if err := f.Store.Append(id, "<view>", view.Entry{Seq: 4, DocID: "<doc-d>", Key: []byte("d")}); err != nil {
				t.Fatal(err)
			}

			got, err := wait()
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(4, "d"),
					stop(4),
				},
			)

			test.Expect(t, "unexpected number of queries", f.Executor.Calls(), 2)
		})

		t.Run("it delivers an update committed immediately after the first pass", func(t *testing.T) {
			t.Parallel()

			tctx := test.WithContext(t)
			f := setup(t)

			var once sync.Once
			f.Handler.Executor = executorFunc(
				func(ctx context.Context, q view.Query, fn view.EntryFunc) error {
					err := f.Executor.QueryChanges(ctx, q, fn)

					once.Do(func() {
						if e := f.Store.Append(
							id,
							"<view>",
							view.Entry{Seq: 4, DocID: "<doc-d>", Key: []byte("d")},
						); e != nil {
							err = e
						}
					})

					return err
				},
			)

			got, err := Handle(
				tctx,
				f.Handler,
				request(f, Options{
					Since:   3,
					Stream:  StreamUntilCaughtUp,
					Timeout: 5 * time.Second,
				}),
			)
			if err != nil {
				t.Fatal(err)
			}

			test.Expect(
				t,
				"unexpected events",
				got,
				[]Event{
					change(4, "d"),
					stop(4),
				},
			)
		})
	})
}
