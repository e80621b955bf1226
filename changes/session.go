package changes

import (
	"context"
	"time"

	"github.com/dogmatiq/viewfeed/internal/fsm"
	"github.com/dogmatiq/viewfeed/internal/telemetry"
	"github.com/dogmatiq/viewfeed/view"
)

// session is the state of a single changes request.
type session[A any] struct {
	Handler  *Handler
	Request  Request[A]
	Mode     StreamMode
	Timeouts timeouts
	Metrics  *metrics
	Recorder *telemetry.Recorder

	since uint64
	acc   A

	sub       *subscription
	signals   chan signal
	failures  chan failure
	heartbeat *time.Ticker
}

// initialState subscribes to index updates, if necessary, before the first
// catch-up pass. The subscription is registered by the time subscribe
// returns, so an update committed during or after the pass is not missed.
func (s *session[A]) initialState(ctx context.Context) fsm.Action {
	if s.Mode != StreamOff {
		s.signals = make(chan signal)
		s.failures = make(chan failure)
		s.subscribe(ctx)
	}

	return fsm.EnterState(s.catchUpState)
}

// catchUpState performs the initial catch-up pass.
func (s *session[A]) catchUpState(ctx context.Context) fsm.Action {
	sig, err := s.catchUp(ctx)
	if err != nil {
		return fsm.Fail(err)
	}

	switch {
	case sig == view.Stop:
		return fsm.EnterState(s.stopState)
	case s.Mode == StreamOff:
		return fsm.EnterState(s.stopState)
	case s.Mode == StreamUntilCaughtUp && s.since > s.Request.Options.Since:
		return fsm.EnterState(s.stopState)
	default:
		return fsm.EnterState(s.awaitState)
	}
}

// awaitState waits for an index lifecycle event, a heartbeat or the idle
// timeout, whichever occurs first.
func (s *session[A]) awaitState(ctx context.Context) fsm.Action {
	var heartbeat, timeout <-chan time.Time

	if s.Timeouts.Heartbeat > 0 {
		if s.heartbeat == nil {
			s.heartbeat = time.NewTicker(s.Timeouts.Heartbeat)
		}
		heartbeat = s.heartbeat.C
	}

	if s.Timeouts.Wait > 0 {
		t := time.NewTimer(s.Timeouts.Wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return fsm.Fail(ctx.Err())

	case <-heartbeat:
		return fsm.EnterState(s.heartbeatState)

	case sig := <-s.signals:
		return fsm.With(sig).EnterState(s.signalState)

	case f := <-s.failures:
		return fsm.With(f).EnterState(s.resubscribeState)

	case <-timeout:
		if s.Timeouts.Heartbeat > 0 {
			return fsm.EnterState(s.heartbeatState)
		}

		s.Recorder.Debug(
			ctx,
			"idle timeout elapsed",
			telemetry.Duration("idle", s.Timeouts.Wait),
			telemetry.Int("since", s.since),
		)

		return fsm.EnterState(s.stopState)
	}
}

// signalState handles a lifecycle event received from the update subscription.
func (s *session[A]) signalState(ctx context.Context, sig signal) fsm.Action {
	if sig.Subscription != s.sub {
		s.Recorder.Debug(
			ctx,
			"ignored index lifecycle event from defunct update subscription",
			telemetry.String("subscription_id", sig.Subscription.ID.String()),
			telemetry.Stringer("event", sig.Event.Type),
		)
		return fsm.EnterState(s.awaitState)
	}

	switch sig.Event.Type {
	case view.IndexUpdated:
		res, err := s.catchUp(ctx)
		if err != nil {
			return fsm.Fail(err)
		}

		if res == view.Stop || s.Mode != StreamContinuous {
			return fsm.EnterState(s.stopState)
		}

		return fsm.EnterState(s.awaitState)

	case view.IndexDeleted:
		s.Recorder.Info(
			ctx,
			"index deleted",
			telemetry.Int("since", s.since),
		)
		return fsm.EnterState(s.stopState)

	default:
		s.Recorder.Warn(
			ctx,
			"ignored unrecognized index lifecycle event",
			telemetry.String("subscription_id", sig.Subscription.ID.String()),
			telemetry.Stringer("event", sig.Event.Type),
		)
		return fsm.EnterState(s.awaitState)
	}
}

// resubscribeState replaces an update subscription that has failed.
func (s *session[A]) resubscribeState(ctx context.Context, f failure) fsm.Action {
	if f.Subscription != s.sub {
		return fsm.EnterState(s.awaitState)
	}

	s.Recorder.Warn(
		ctx,
		"update subscription failed, resubscribing",
		telemetry.String("subscription_id", f.Subscription.ID.String()),
		telemetry.Err(f.Err),
	)

	s.sub.Cancel()
	s.subscribe(ctx)
	s.Metrics.Resubscriptions(ctx, 1)

	return fsm.EnterState(s.awaitState)
}

// heartbeatState delivers a heartbeat to the callback.
func (s *session[A]) heartbeatState(ctx context.Context) fsm.Action {
	sig, acc := s.Request.Callback(
		ctx,
		Event{
			Type:  HeartbeatEvent,
			Since: s.since,
		},
		s.acc,
	)
	s.acc = acc
	s.Metrics.Heartbeats(ctx, 1)

	if sig == view.Stop {
		return fsm.EnterState(s.stopState)
	}

	return fsm.EnterState(s.awaitState)
}

// stopState delivers the final event to the callback.
func (s *session[A]) stopState(ctx context.Context) fsm.Action {
	_, s.acc = s.Request.Callback(
		ctx,
		Event{
			Type:  StopEvent,
			Since: s.since,
		},
		s.acc,
	)

	s.Recorder.Debug(
		ctx,
		"changes request stopped",
		telemetry.Int("since", s.since),
	)

	return fsm.Stop()
}

// teardownState releases the resources owned by the session.
func (s *session[A]) teardownState(context.Context) fsm.Action {
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}

	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}

	return fsm.Stop()
}

// subscribe starts a new update subscription, replacing s.sub.
func (s *session[A]) subscribe(ctx context.Context) {
	s.sub = subscribe(
		ctx,
		s.Handler.Notifier,
		s.Request.Identity,
		s.signals,
		s.failures,
	)

	s.Recorder.Debug(
		ctx,
		"subscribed to index updates",
		telemetry.String("subscription_id", s.sub.ID.String()),
	)
}

// catchUp performs a single catch-up pass, updating the checkpoint and
// accumulator.
func (s *session[A]) catchUp(ctx context.Context) (view.Signal, error) {
	p, err := chain(
		ctx,
		s.Handler.Executor,
		view.Query{
			Identity: s.Request.Identity,
			View:     s.Request.View,
			Since:    s.since,
			Options:  s.Request.Options.ViewOptions,
		},
		s.Request.Options.Queries,
		s.deliver,
		s.acc,
	)
	if err != nil {
		return view.Continue, err
	}

	s.Metrics.Passes(ctx, 1)
	s.Recorder.Debug(
		ctx,
		"catch-up pass complete",
		telemetry.Int("previous_since", s.since),
		telemetry.Int("since", p.Since),
		telemetry.Stringer("signal", p.Signal),
	)

	s.since = p.Since
	s.acc = p.Acc

	return p.Signal, nil
}

// deliver delivers a single change to the callback.
func (s *session[A]) deliver(ctx context.Context, ev Event, acc A) (view.Signal, A) {
	s.Metrics.Entries(ctx, 1)
	return s.Request.Callback(ctx, ev, acc)
}
