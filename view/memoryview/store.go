package memoryview

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dogmatiq/viewfeed/view"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Store is an in-memory collection of view indexes.
//
// Each view keeps only the most recent entry for each document, ordered by
// sequence number.
type Store struct {
	// Publisher, if non-nil, receives a lifecycle event each time an index is
	// updated or deleted.
	Publisher view.Publisher

	m       sync.RWMutex
	indexes map[view.Identity]*index
}

var _ view.Executor = (*Store)(nil)

type index struct {
	seq   uint64
	views map[string][]view.Entry
}

// QueryChanges calls fn for each entry in the view whose sequence number is
// greater than q.Since, in ascending sequence order.
func (s *Store) QueryChanges(
	ctx context.Context,
	q view.Query,
	fn view.EntryFunc,
) error {
	if err := q.Options.Validate(); err != nil {
		return err
	}

	entries, err := s.load(q)
	if err != nil {
		return err
	}

	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !q.Options.Match(e.Key) {
			continue
		}

		if q.Options.Limit > 0 && n == q.Options.Limit {
			break
		}
		n++

		if fn(ctx, e) == view.Stop {
			break
		}
	}

	return nil
}

// load returns the entries of the view that are newer than q.Since.
func (s *Store) load(q view.Query) ([]view.Entry, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	idx, ok := s.indexes[q.Identity]
	if !ok {
		return nil, fmt.Errorf("%s: %w", q.Identity, view.ErrIndexNotFound)
	}

	entries := idx.views[q.View]
	i := sort.Search(
		len(entries),
		func(i int) bool {
			return entries[i].Seq > q.Since
		},
	)

	// Entries are never modified in place, so the slice can be used after
	// the lock is released.
	return entries[i:len(entries):len(entries)], nil
}

// CreateIndex creates an empty index if it does not already exist.
func (s *Store) CreateIndex(id view.Identity) {
	s.m.Lock()
	defer s.m.Unlock()

	s.index(id)
}

// Append adds entries to a view, creating the index if necessary.
//
// Each entry replaces any existing entry for the same document. Sequence
// numbers must be strictly increasing, and greater than the update sequence
// of the index.
func (s *Store) Append(id view.Identity, viewName string, entries ...view.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.m.Lock()

	idx := s.index(id)
	seq := idx.seq
	docs := map[string]struct{}{}

	for _, e := range entries {
		if e.Seq <= seq {
			s.m.Unlock()
			return fmt.Errorf(
				"%s/%s: entry sequence %d must be greater than %d",
				id,
				viewName,
				e.Seq,
				seq,
			)
		}
		seq = e.Seq
		docs[e.DocID] = struct{}{}
	}

	existing := idx.views[viewName]
	next := make([]view.Entry, 0, len(existing)+len(entries))

	for _, e := range existing {
		if _, ok := docs[e.DocID]; !ok {
			next = append(next, e)
		}
	}

	for i, e := range entries {
		if slices.IndexFunc(
			entries[i+1:],
			func(x view.Entry) bool { return x.DocID == e.DocID },
		) == -1 {
			next = append(next, e)
		}
	}

	idx.seq = seq
	idx.views[viewName] = next

	s.m.Unlock()

	s.publish(view.IndexUpdated, id)

	return nil
}

// DeleteIndex removes an index and all of its views.
func (s *Store) DeleteIndex(id view.Identity) {
	s.m.Lock()
	_, ok := s.indexes[id]
	delete(s.indexes, id)
	s.m.Unlock()

	if ok {
		s.publish(view.IndexDeleted, id)
	}
}

// UpdateSeq returns the highest sequence number in the index.
func (s *Store) UpdateSeq(id view.Identity) (uint64, bool) {
	s.m.RLock()
	defer s.m.RUnlock()

	if idx, ok := s.indexes[id]; ok {
		return idx.seq, true
	}

	return 0, false
}

// Views returns the names of the views within an index, in lexical order.
func (s *Store) Views(id view.Identity) []string {
	s.m.RLock()
	defer s.m.RUnlock()

	idx, ok := s.indexes[id]
	if !ok {
		return nil
	}

	names := maps.Keys(idx.views)
	slices.Sort(names)

	return names
}

// index returns the index with the given ID, creating it if necessary. s.m
// must be held for writing.
func (s *Store) index(id view.Identity) *index {
	if idx, ok := s.indexes[id]; ok {
		return idx
	}

	if s.indexes == nil {
		s.indexes = map[view.Identity]*index{}
	}

	idx := &index{
		views: map[string][]view.Entry{},
	}
	s.indexes[id] = idx

	return idx
}

func (s *Store) publish(t view.LifecycleEventType, id view.Identity) {
	if s.Publisher != nil {
		s.Publisher.Publish(view.LifecycleEvent{
			Type:     t,
			Identity: id,
		})
	}
}
