package changes

import (
	"context"
	"errors"
	"fmt"

	"github.com/dogmatiq/viewfeed/internal/signaling"
	"github.com/dogmatiq/viewfeed/view"
	"github.com/google/uuid"
)

// errListenerStopped is reported when a notifier stops delivering events
// without an error.
var errListenerStopped = errors.New("notifier stopped without an error")

// subscription forwards the lifecycle events of a single index to a session.
type subscription struct {
	ID       uuid.UUID
	Identity view.Identity

	cancel     context.CancelFunc
	registered signaling.Latch
	done       signaling.Latch
}

// signal is a lifecycle event received by a subscription.
type signal struct {
	Subscription *subscription
	Event        view.LifecycleEvent
}

// failure reports that a subscription terminated abnormally.
type failure struct {
	Subscription *subscription
	Err          error
}

// subscribe starts a new subscription to the lifecycle events of the index
// identified by id.
//
// It returns once the notifier has registered the listener, so every update
// that occurs after subscribe returns is sent to signals. It also returns if
// the notifier fails before registering, or ctx is canceled.
//
// If the subscription terminates before it is canceled, a single failure is
// sent to failures.
func subscribe(
	ctx context.Context,
	n view.Notifier,
	id view.Identity,
	signals chan<- signal,
	failures chan<- failure,
) *subscription {
	ctx, cancel := context.WithCancel(ctx)

	s := &subscription{
		ID:       uuid.New(),
		Identity: id,
		cancel:   cancel,
	}

	go func() {
		defer s.done.Signal()

		err := s.listen(ctx, n, signals)
		s.registered.Signal()

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			err = errListenerStopped
		}

		select {
		case <-ctx.Done():
		case failures <- failure{s, err}:
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.registered.Signaled():
	}

	return s
}

// listen forwards events until ctx is canceled or the notifier fails.
func (s *subscription) listen(
	ctx context.Context,
	n view.Notifier,
	signals chan<- signal,
) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("notifier panicked: %v", v)
		}
	}()

	return n.Listen(
		ctx,
		s.Identity.Database,
		s.registered.Signal,
		func(ev view.LifecycleEvent) {
			if ev.Identity != s.Identity {
				return
			}

			select {
			case <-ctx.Done():
			case signals <- signal{s, ev}:
			}
		},
	)
}

// Cancel stops the subscription and waits for it to finish.
func (s *subscription) Cancel() {
	s.cancel()
	<-s.done.Signaled()
}
