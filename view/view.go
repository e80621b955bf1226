package view

import (
	"context"
	"errors"
)

// ErrIndexNotFound is returned by an [Executor] when the queried index does not
// exist.
var ErrIndexNotFound = errors.New("index not found")

// Identity identifies an index definition within a database.
//
// An index definition may contain many views, all of which are built by the
// same background indexer.
type Identity struct {
	Database string
	Index    string
}

func (id Identity) String() string {
	return id.Database + "/" + id.Index
}

// Kind is the kind of index, used to select the indexer that builds it.
type Kind string

// MapReduce is the [Kind] of a map/reduce view index.
const MapReduce Kind = "mapreduce"

// Entry is a single row of a view's changes index.
type Entry struct {
	// Seq is the database sequence number at which the entry was produced.
	Seq uint64

	// DocID is the ID of the document that emitted the entry.
	DocID string

	// Key and Value are the (encoded) key and value emitted by the view's map
	// function.
	Key   []byte
	Value []byte

	// Removed is true if the entry was removed from the view at Seq, typically
	// because the document was deleted or no longer emits Key.
	Removed bool
}

// Signal is returned by a callback to indicate whether iteration should
// continue.
type Signal int

const (
	// Continue indicates that iteration should continue.
	Continue Signal = iota

	// Stop indicates that iteration should stop as soon as possible.
	Stop
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Query describes a single changes query against a view.
type Query struct {
	Identity

	// View is the name of the view within the index definition.
	View string

	// Since is the sequence checkpoint. Only entries with a sequence number
	// strictly greater than Since are visited.
	Since uint64

	// Options constrains the entries that are visited.
	Options Options
}

// EntryFunc is called for each entry visited by a query. Returning [Stop]
// prevents any further entries from being visited.
type EntryFunc func(context.Context, Entry) Signal

// An Executor runs changes queries against view indexes.
type Executor interface {
	// QueryChanges calls fn for each entry in the view whose sequence number
	// is greater than q.Since, in ascending sequence order, until fn returns
	// [Stop] or there are no more entries.
	//
	// It returns [ErrIndexNotFound] if the index does not exist, or an error
	// wrapping [ErrInvalidOptions] if q.Options is invalid.
	QueryChanges(ctx context.Context, q Query, fn EntryFunc) error
}
