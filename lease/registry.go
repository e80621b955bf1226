package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/viewfeed/view"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by [Registry.Acquire] after the registry is closed.
var ErrClosed = errors.New("lease registry is closed")

// Indexer is a function that keeps an index up-to-date until ctx is canceled.
type Indexer func(ctx context.Context, kind view.Kind, id view.Identity) error

// Registry is a reference-counted set of indexer leases.
//
// An indexer is started when the first lease on an index is acquired, and is
// stopped once the last lease is released and the linger period elapses.
type Registry struct {
	// Indexer is the function run while an index is leased. If it is nil,
	// leases are counted but no indexer is run.
	Indexer Indexer

	// Linger is the amount of time an indexer keeps running after its last
	// lease is released.
	Linger time.Duration

	// Logger is the target for log messages about indexers. If it is nil,
	// [slog.Default] is used.
	Logger *slog.Logger

	m      sync.Mutex
	closed bool
	leases map[key]*lease
}

var _ view.Lessor = (*Registry)(nil)

type key struct {
	Kind view.Kind
	ID   view.Identity
}

type lease struct {
	refs int
	gen  uint64
	task *task
	wait *time.Timer
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Acquire obtains a lease on the indexer for the given index, starting the
// indexer if it is not already running.
func (r *Registry) Acquire(ctx context.Context, kind view.Kind, id view.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.m.Lock()
	defer r.m.Unlock()

	if r.closed {
		return ErrClosed
	}

	k := key{kind, id}
	l, ok := r.leases[k]
	if !ok {
		if r.leases == nil {
			r.leases = map[key]*lease{}
		}
		l = &lease{}
		r.leases[k] = l
	}

	l.refs++
	l.gen++

	if l.wait != nil {
		l.wait.Stop()
		l.wait = nil
	}

	if l.task == nil || l.task.finished() {
		l.task = r.start(k)
	}

	return nil
}

// Release gives up a lease on the indexer for the given index.
//
// Releasing a lease that is not held is a no-op. If this was the last lease
// and there is no linger period, Release waits for the indexer to stop and
// returns its error, if any.
func (r *Registry) Release(ctx context.Context, kind view.Kind, id view.Identity) error {
	r.m.Lock()

	k := key{kind, id}
	l, ok := r.leases[k]
	if !ok || l.refs == 0 {
		r.m.Unlock()
		return nil
	}

	l.refs--
	if l.refs > 0 {
		r.m.Unlock()
		return nil
	}

	if r.Linger > 0 {
		gen := l.gen
		l.wait = time.AfterFunc(r.Linger, func() {
			r.expire(k, l, gen)
		})
		r.m.Unlock()
		return nil
	}

	delete(r.leases, k)
	t := l.task
	r.m.Unlock()

	return r.stop(ctx, k, t)
}

// Holders returns the number of leases currently held on the given index.
func (r *Registry) Holders(kind view.Kind, id view.Identity) int {
	r.m.Lock()
	defer r.m.Unlock()

	if l, ok := r.leases[key{kind, id}]; ok {
		return l.refs
	}

	return 0
}

// Running returns true if an indexer is running for the given index.
func (r *Registry) Running(kind view.Kind, id view.Identity) bool {
	r.m.Lock()
	defer r.m.Unlock()

	if l, ok := r.leases[key{kind, id}]; ok {
		return l.task != nil && l.task.cancel != nil && !l.task.finished()
	}

	return false
}

// Close stops all indexers, regardless of any leases that are still held.
func (r *Registry) Close(ctx context.Context) error {
	r.m.Lock()
	r.closed = true
	leases := r.leases
	r.leases = nil
	r.m.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	for k, l := range leases {
		k, l := k, l

		if l.wait != nil {
			l.wait.Stop()
		}

		g.Go(func() error {
			return r.stop(ctx, k, l.task)
		})
	}

	return g.Wait()
}

// expire stops the indexer for k once its linger period has elapsed, unless
// the lease was acquired again in the meantime.
func (r *Registry) expire(k key, l *lease, gen uint64) {
	r.m.Lock()

	if r.leases[k] != l || l.refs > 0 || l.gen != gen {
		r.m.Unlock()
		return
	}

	delete(r.leases, k)
	r.m.Unlock()

	if err := r.stop(context.Background(), k, l.task); err != nil {
		r.logger(k).Error(
			"indexer failed after its lease expired",
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) start(k key) *task {
	t := &task{
		done: make(chan struct{}),
	}

	if r.Indexer == nil {
		close(t.done)
		return t
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	logger := r.logger(k)
	logger.Debug("indexer started")

	go func() {
		defer close(t.done)

		err := r.Indexer(ctx, k.Kind, k.ID)

		if ctx.Err() == nil {
			if err == nil {
				logger.Warn("indexer stopped unexpectedly")
			} else {
				logger.Warn(
					"indexer failed",
					slog.String("error", err.Error()),
				)
			}
		}

		if !errors.Is(err, context.Canceled) {
			t.err = err
		}
	}()

	return t
}

func (r *Registry) stop(ctx context.Context, k key, t *task) error {
	if t == nil || t.cancel == nil {
		return nil
	}

	t.cancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		r.logger(k).Debug("indexer stopped")
		return t.err
	}
}

func (t *task) finished() bool {
	if t.cancel == nil {
		// There is no indexer to run.
		return false
	}

	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (r *Registry) logger(k key) *slog.Logger {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return logger.With(
		slog.String("kind", string(k.Kind)),
		slog.String("database", k.ID.Database),
		slog.String("index", k.ID.Index),
	)
}
