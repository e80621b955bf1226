package view

import "context"

// LifecycleEventType is an enumeration of the index lifecycle events.
type LifecycleEventType int

const (
	// IndexUpdated indicates that the background indexer has committed new
	// entries to an index.
	IndexUpdated LifecycleEventType = iota + 1

	// IndexDeleted indicates that an index has been deleted.
	IndexDeleted
)

func (t LifecycleEventType) String() string {
	switch t {
	case IndexUpdated:
		return "updated"
	case IndexDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// LifecycleEvent is a notification about a change to an index.
type LifecycleEvent struct {
	Type     LifecycleEventType
	Identity Identity
}

// A Notifier is a source of index lifecycle events.
type Notifier interface {
	// Listen calls fn for each lifecycle event of the indexes within the given
	// database, in the order they occur.
	//
	// It calls ready, if non-nil, once the listener is registered. Every event
	// that occurs after ready is called is delivered to fn.
	//
	// It blocks until ctx is canceled or the listener fails. Events for
	// indexes other than the one the caller is interested in may be delivered.
	Listen(
		ctx context.Context,
		database string,
		ready func(),
		fn func(LifecycleEvent),
	) error
}

// A Lessor grants reference-counted leases on background indexers.
//
// An indexer keeps its index up-to-date for as long as at least one lease is
// held on it.
type Lessor interface {
	// Acquire acquires a lease on the indexer for the given index.
	Acquire(ctx context.Context, kind Kind, id Identity) error

	// Release releases a lease previously acquired by Acquire. Releasing a
	// lease that is not held is a no-op.
	Release(ctx context.Context, kind Kind, id Identity) error
}

// A Publisher is a sink for index lifecycle events, typically used by the
// background indexer to wake up a [Notifier]'s listeners.
type Publisher interface {
	Publish(LifecycleEvent)
}
