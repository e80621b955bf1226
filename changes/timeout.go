package changes

import "time"

// DefaultTimeout is the idle timeout used when neither the request nor the
// [Handler] specifies one.
const DefaultTimeout = 60 * time.Second

// timeouts is the resolved timing policy of a single request. A zero duration
// means "disabled".
type timeouts struct {
	// Idle is the request's idle timeout.
	Idle time.Duration

	// Wait is the longest time the request waits for an index update before
	// either delivering a heartbeat or stopping.
	Wait time.Duration

	// Heartbeat is the cadence at which heartbeats are delivered.
	Heartbeat time.Duration
}

// resolveTimeouts derives the timing policy of a request from the default idle
// timeout and the request's overrides.
func resolveTimeouts(def, timeout time.Duration, hb Heartbeat) timeouts {
	if def == 0 {
		def = DefaultTimeout
	}

	idle := timeout
	if idle == 0 {
		idle = def
	}

	switch {
	case idle == Infinity:
		return timeouts{}
	case hb.Interval > 0:
		return timeouts{
			Idle:      idle,
			Wait:      max(hb.Interval, idle),
			Heartbeat: hb.Interval,
		}
	case hb.Enabled:
		return timeouts{
			Idle:      idle,
			Wait:      idle,
			Heartbeat: min(def, idle),
		}
	default:
		return timeouts{
			Idle: idle,
			Wait: idle,
		}
	}
}
