package view

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrInvalidOptions is returned (wrapped) by an [Executor] when a query's
// option set can not be satisfied.
var ErrInvalidOptions = errors.New("invalid view options")

// Options is a set of options that constrain the entries visited by a
// changes query.
//
// The zero value visits every entry.
type Options struct {
	// StartKey, if non-nil, excludes entries with keys that sort before it.
	StartKey []byte

	// EndKey, if non-nil, excludes entries with keys that sort after it. The
	// key itself is included unless ExclusiveEnd is true.
	EndKey       []byte
	ExclusiveEnd bool

	// Keys, if non-empty, restricts the query to entries with one of the
	// given keys. It may not be combined with a key range.
	Keys [][]byte

	// Limit is the maximum number of entries to visit. Zero means no limit.
	Limit int
}

// IsZero returns true if o has no options set.
func (o Options) IsZero() bool {
	return o.StartKey == nil &&
		o.EndKey == nil &&
		!o.ExclusiveEnd &&
		len(o.Keys) == 0 &&
		o.Limit == 0
}

// Validate returns an error if o is not a valid option set.
func (o Options) Validate() error {
	if o.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidOptions)
	}

	if len(o.Keys) != 0 && (o.StartKey != nil || o.EndKey != nil) {
		return fmt.Errorf("%w: keys can not be combined with a key range", ErrInvalidOptions)
	}

	if o.StartKey != nil && o.EndKey != nil && bytes.Compare(o.StartKey, o.EndKey) > 0 {
		return fmt.Errorf(
			"%w: start key %q sorts after end key %q",
			ErrInvalidOptions,
			o.StartKey,
			o.EndKey,
		)
	}

	return nil
}

// Match returns true if an entry with the given key satisfies the key
// constraints of o. It does not consider Limit.
func (o Options) Match(key []byte) bool {
	if len(o.Keys) != 0 {
		for _, k := range o.Keys {
			if bytes.Equal(k, key) {
				return true
			}
		}
		return false
	}

	if o.StartKey != nil && bytes.Compare(key, o.StartKey) < 0 {
		return false
	}

	if o.EndKey != nil {
		c := bytes.Compare(key, o.EndKey)
		if c > 0 || (c == 0 && o.ExclusiveEnd) {
			return false
		}
	}

	return true
}
