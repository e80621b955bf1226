package changes

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/viewfeed/internal/fsm"
	"github.com/dogmatiq/viewfeed/internal/telemetry"
	"github.com/dogmatiq/viewfeed/view"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler handles changes requests.
//
// A Handler must not be copied after first use.
type Handler struct {
	// Executor runs the queries. It must not be nil.
	Executor view.Executor

	// Notifier is the source of index lifecycle events. It must not be nil if
	// any request uses a stream mode other than [StreamOff].
	Notifier view.Notifier

	// Leases grants leases on background indexers. If it is nil, requests
	// never hold leases.
	Leases view.Lessor

	// Kind is the kind of index, used when acquiring leases. If it is empty,
	// [view.MapReduce] is used.
	Kind view.Kind

	// DefaultTimeout is the idle timeout used by requests that do not specify
	// one. If it is zero, [DefaultTimeout] is used.
	DefaultTimeout time.Duration

	// DefaultRefresh determines whether requests hold a lease on the index's
	// background indexer, unless they specify otherwise.
	DefaultRefresh bool

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	init    sync.Once
	metrics *metrics
}

type metrics struct {
	Recorder        *telemetry.Recorder
	Entries         telemetry.Instrument[int64]
	Heartbeats      telemetry.Instrument[int64]
	Passes          telemetry.Instrument[int64]
	Resubscriptions telemetry.Instrument[int64]
	Active          telemetry.Instrument[int64]
}

// Handle handles a changes request.
//
// It delivers the entries of the requested view to req.Callback, and then
// waits for more according to the request's stream mode. It returns the
// final accumulator after the callback has received a [StopEvent].
//
// If an error occurs, including cancelation of ctx, no [StopEvent] is
// delivered and the zero value of A is returned.
func Handle[A any](
	ctx context.Context,
	h *Handler,
	req Request[A],
) (acc A, err error) {
	if err := req.validate(); err != nil {
		return acc, err
	}

	if h.Executor == nil {
		panic("handler must have an executor")
	}

	mode := req.Options.Stream
	if mode != StreamOff && h.Notifier == nil {
		panic("handler must have a notifier to stream changes")
	}

	m := h.telemetry()
	rec := m.Recorder.With(
		telemetry.String("session_id", uuid.NewString()),
		telemetry.String("database", req.Identity.Database),
		telemetry.String("index", req.Identity.Index),
		telemetry.String("view", req.View),
		telemetry.Stringer("stream_mode", mode),
	)

	lease := leaseGuard{
		Lessor:   h.Leases,
		Kind:     h.kind(),
		Identity: req.Identity,
		Enabled:  h.refresh(req.Options.Refresh),
	}

	ctx, span := rec.StartSpan(
		ctx,
		"handle",
		telemetry.String("database", req.Identity.Database),
		telemetry.String("index", req.Identity.Index),
		telemetry.String("view", req.View),
		telemetry.Stringer("stream_mode", mode),
		telemetry.Int("since", req.Options.Since),
		telemetry.Bool("refresh", lease.Enabled),
	)
	defer func() {
		span.End(err)
	}()

	m.Active(ctx, 1)
	defer m.Active(context.WithoutCancel(ctx), -1)

	if err := lease.Acquire(ctx); err != nil {
		rec.Error(ctx, "unable to acquire indexer lease", err)
		return acc, err
	}

	defer func() {
		if e := lease.Release(ctx); e != nil {
			rec.Error(ctx, "unable to release indexer lease", e)
			err = errors.Join(err, e)
		}
	}()

	s := &session[A]{
		Handler:  h,
		Request:  req,
		Mode:     mode,
		Timeouts: resolveTimeouts(h.DefaultTimeout, req.Options.Timeout, req.Options.Heartbeat),
		Metrics:  m,
		Recorder: rec,
		since:    req.Options.Since,
		acc:      req.Acc,
	}

	if err := fsm.Start(
		ctx,
		s.initialState,
		fsm.WithFinalState(s.teardownState),
	); err != nil {
		if ctx.Err() == nil {
			rec.Error(ctx, "changes request failed", err)
		}

		var zero A
		return zero, err
	}

	span.SetAttributes(
		telemetry.Int("final_since", s.since),
	)

	return s.acc, nil
}

func (h *Handler) telemetry() *metrics {
	h.init.Do(func() {
		p := &telemetry.Provider{
			TracerProvider: h.TracerProvider,
			MeterProvider:  h.MeterProvider,
			Logger:         h.Logger,
		}

		rec := p.Recorder("viewfeed.changes")

		h.metrics = &metrics{
			Recorder:        rec,
			Entries:         rec.Counter("entries", "{entry}", "The number of index entries delivered to callbacks."),
			Heartbeats:      rec.Counter("heartbeats", "{heartbeat}", "The number of heartbeats delivered to callbacks."),
			Passes:          rec.Counter("passes", "{pass}", "The number of catch-up passes performed."),
			Resubscriptions: rec.Counter("resubscriptions", "{subscription}", "The number of times a failed update subscription was replaced."),
			Active:          rec.UpDownCounter("active", "{request}", "The number of changes requests currently being handled."),
		}
	})

	return h.metrics
}

func (h *Handler) kind() view.Kind {
	if h.Kind == "" {
		return view.MapReduce
	}
	return h.Kind
}

func (h *Handler) refresh(m RefreshMode) bool {
	if h.Leases == nil {
		return false
	}

	switch m {
	case Refresh:
		return true
	case NoRefresh:
		return false
	default:
		return h.DefaultRefresh
	}
}
