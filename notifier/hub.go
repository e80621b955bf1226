package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dogmatiq/viewfeed/internal/signaling"
	"github.com/dogmatiq/viewfeed/view"
)

// ErrListenerOverflow is returned by [Hub.Listen] when the listener can not
// keep up with the events published to the hub.
var ErrListenerOverflow = errors.New("listener can not keep up with index lifecycle events")

const (
	// shardCount is the number of shards across which listeners are
	// distributed, by database name.
	shardCount = 16

	// defaultBufferSize is the default capacity of each listener's event
	// buffer.
	defaultBufferSize = 64
)

// Hub is an in-process broker of index lifecycle events.
//
// Indexers publish events to the hub, and the changes feed listens for them
// via the [view.Notifier] interface. Publishing never blocks; a listener whose
// buffer is full is terminated with [ErrListenerOverflow].
type Hub struct {
	// BufferSize is the capacity of each listener's event buffer. If it is
	// non-positive, defaultBufferSize is used.
	BufferSize int

	// Logger is the target for log messages about the hub. If it is nil,
	// [slog.Default] is used.
	Logger *slog.Logger

	shards [shardCount]shard
}

var (
	_ view.Notifier  = (*Hub)(nil)
	_ view.Publisher = (*Hub)(nil)
)

type shard struct {
	m         sync.RWMutex
	listeners map[string]map[*listener]struct{}
}

type listener struct {
	database   string
	events     chan view.LifecycleEvent
	overflowed signaling.Latch
}

// Listen calls fn for each lifecycle event of the indexes within the given
// database until ctx is canceled or the listener overflows.
//
// ready, if non-nil, is called once the listener is registered with the hub.
func (h *Hub) Listen(
	ctx context.Context,
	database string,
	ready func(),
	fn func(view.LifecycleEvent),
) error {
	size := h.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	l := &listener{
		database: database,
		events:   make(chan view.LifecycleEvent, size),
	}

	s := h.shardFor(database)
	s.add(l)
	defer s.remove(l)

	if ready != nil {
		ready()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-l.events:
			fn(ev)

		case <-l.overflowed.Signaled():
			// Drain anything that was buffered before the overflow so that the
			// events are not silently discarded before the error is reported.
			for {
				select {
				case ev := <-l.events:
					fn(ev)
				default:
					return ErrListenerOverflow
				}
			}
		}
	}
}

// Publish delivers ev to all listeners of ev's database.
func (h *Hub) Publish(ev view.LifecycleEvent) {
	s := h.shardFor(ev.Identity.Database)

	s.m.RLock()
	defer s.m.RUnlock()

	for l := range s.listeners[ev.Identity.Database] {
		if l.overflowed.IsSignaled() {
			continue
		}

		select {
		case l.events <- ev:
		default:
			l.overflowed.Signal()
			h.logger().Warn(
				"index lifecycle listener terminated because it can not keep up",
				slog.String("database", ev.Identity.Database),
				slog.String("index", ev.Identity.Index),
				slog.String("event", ev.Type.String()),
				slog.Int("listener_capacity", cap(l.events)),
			)
		}
	}
}

// Updated publishes an [view.IndexUpdated] event for the given index.
func (h *Hub) Updated(id view.Identity) {
	h.Publish(view.LifecycleEvent{
		Type:     view.IndexUpdated,
		Identity: id,
	})
}

// Deleted publishes an [view.IndexDeleted] event for the given index.
func (h *Hub) Deleted(id view.Identity) {
	h.Publish(view.LifecycleEvent{
		Type:     view.IndexDeleted,
		Identity: id,
	})
}

// ListenerCount returns the number of active listeners for the given database.
func (h *Hub) ListenerCount(database string) int {
	s := h.shardFor(database)

	s.m.RLock()
	defer s.m.RUnlock()

	return len(s.listeners[database])
}

func (h *Hub) shardFor(database string) *shard {
	return &h.shards[xxhash.Sum64String(database)%shardCount]
}

func (h *Hub) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (s *shard) add(l *listener) {
	s.m.Lock()
	defer s.m.Unlock()

	if s.listeners == nil {
		s.listeners = map[string]map[*listener]struct{}{}
	}

	set := s.listeners[l.database]
	if set == nil {
		set = map[*listener]struct{}{}
		s.listeners[l.database] = set
	}

	set[l] = struct{}{}
}

func (s *shard) remove(l *listener) {
	s.m.Lock()
	defer s.m.Unlock()

	set := s.listeners[l.database]
	delete(set, l)

	if len(set) == 0 {
		delete(s.listeners, l.database)
	}
}
