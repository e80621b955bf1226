package changes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dogmatiq/viewfeed/view"
)

// ErrInvalidRequest is returned by [Handle] when the request is malformed. No
// queries are executed for an invalid request.
var ErrInvalidRequest = errors.New("invalid changes request")

// Infinity is a timeout that never elapses.
const Infinity time.Duration = math.MaxInt64

// StreamMode is an enumeration of the ways in which a changes request waits
// for new entries after the initial catch-up pass.
type StreamMode int

const (
	// StreamOff performs a single catch-up pass and then stops.
	StreamOff StreamMode = iota

	// StreamContinuous performs a catch-up pass whenever the index is updated
	// until the callback stops the request or it times out.
	StreamContinuous

	// StreamUntilCaughtUp stops after the first catch-up pass that advances
	// the checkpoint, waiting for an index update if necessary.
	StreamUntilCaughtUp
)

func (m StreamMode) String() string {
	switch m {
	case StreamOff:
		return "off"
	case StreamContinuous:
		return "continuous"
	case StreamUntilCaughtUp:
		return "until-caught-up"
	default:
		return fmt.Sprintf("StreamMode(%d)", int(m))
	}
}

func (m StreamMode) isValid() bool {
	return m >= StreamOff && m <= StreamUntilCaughtUp
}

// ParseStreamMode parses the textual representation of a stream mode.
//
// In addition to the values returned by [StreamMode.String] it accepts
// "false", "true" and "once", which are equivalent to "off", "continuous" and
// "until-caught-up", respectively.
func ParseStreamMode(s string) (StreamMode, error) {
	switch s {
	case "false", "off":
		return StreamOff, nil
	case "true", "continuous":
		return StreamContinuous, nil
	case "once", "until-caught-up":
		return StreamUntilCaughtUp, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized stream mode %q", ErrInvalidRequest, s)
	}
}

// RefreshMode is an enumeration of the ways in which a request keeps the
// index's background indexer alive.
type RefreshMode int

const (
	// DefaultRefresh uses the [Handler]'s default refresh behavior.
	DefaultRefresh RefreshMode = iota

	// Refresh holds a lease on the background indexer for the duration of
	// the request.
	Refresh

	// NoRefresh does not hold a lease on the background indexer.
	NoRefresh
)

func (m RefreshMode) isValid() bool {
	return m >= DefaultRefresh && m <= NoRefresh
}

// Heartbeat configures the keep-alive events delivered while a streaming
// request waits for index updates.
type Heartbeat struct {
	// Enabled turns on heartbeats at the default cadence, which is the
	// shorter of the handler's default timeout and the request's timeout.
	Enabled bool

	// Interval, if positive, is an explicit heartbeat cadence. It implies
	// Enabled.
	Interval time.Duration
}

// Options are the optional parameters of a changes request.
type Options struct {
	// Since is the sequence checkpoint to start from. Only entries with a
	// greater sequence number are delivered.
	Since uint64

	// Stream determines what happens after the initial catch-up pass.
	Stream StreamMode

	// ViewOptions constrains the entries delivered by a single query.
	ViewOptions view.Options

	// Queries is an ordered list of option sets, each of which is queried in
	// turn during every catch-up pass. It is mutually exclusive with a
	// non-zero ViewOptions.
	Queries []view.Options

	// Timeout is the idle timeout. A zero value means the handler's default.
	// Use [Infinity] to wait forever.
	Timeout time.Duration

	// Heartbeat configures keep-alive events.
	Heartbeat Heartbeat

	// Refresh determines whether the request holds a lease on the index's
	// background indexer.
	Refresh RefreshMode
}

// EventType is an enumeration of the events delivered to a [Callback].
type EventType int

const (
	// ChangeEvent delivers a single index entry.
	ChangeEvent EventType = iota

	// HeartbeatEvent is delivered periodically while a streaming request is
	// waiting for index updates.
	HeartbeatEvent

	// StopEvent is the final event delivered to a request that ends without
	// an error.
	StopEvent
)

func (t EventType) String() string {
	switch t {
	case ChangeEvent:
		return "change"
	case HeartbeatEvent:
		return "heartbeat"
	case StopEvent:
		return "stop"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is an event delivered to a [Callback].
type Event struct {
	Type EventType

	// Entry is the index entry. It is only populated for [ChangeEvent].
	Entry view.Entry

	// Since is the request's sequence checkpoint, including Entry.
	Since uint64
}

// Callback is a function that receives the events of a changes request.
//
// It is called with the current accumulator and returns the next one. The
// accumulator is never accessed concurrently. Returning [view.Stop] ends the
// request after a final [StopEvent], which is delivered regardless of the
// returned signal.
type Callback[A any] func(ctx context.Context, ev Event, acc A) (view.Signal, A)

// Request is a request for the changes to a view.
type Request[A any] struct {
	Identity view.Identity
	View     string
	Callback Callback[A]
	Acc      A
	Options  Options
}

// validate returns an error if the request can not be handled.
func (r Request[A]) validate() error {
	o := r.Options

	switch {
	case r.Callback == nil:
		return fmt.Errorf("%w: callback must not be nil", ErrInvalidRequest)
	case len(o.Queries) != 0 && !o.ViewOptions.IsZero():
		return fmt.Errorf("%w: queries and view options are mutually exclusive", ErrInvalidRequest)
	case !o.Stream.isValid():
		return fmt.Errorf("%w: unrecognized stream mode (%s)", ErrInvalidRequest, o.Stream)
	case !o.Refresh.isValid():
		return fmt.Errorf("%w: unrecognized refresh mode (%d)", ErrInvalidRequest, o.Refresh)
	case o.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	case o.Heartbeat.Interval < 0:
		return fmt.Errorf("%w: heartbeat interval must not be negative", ErrInvalidRequest)
	}

	return nil
}
