package changes

import (
	"context"

	"github.com/dogmatiq/viewfeed/view"
)

// fold runs q and calls cb for each entry it visits, threading acc through
// each call.
//
// It returns the last signal returned by cb, the resulting accumulator and the
// highest sequence number seen, which is never less than q.Since.
func fold[A any](
	ctx context.Context,
	x view.Executor,
	q view.Query,
	cb Callback[A],
	acc A,
) (view.Signal, A, uint64, error) {
	sig := view.Continue
	since := q.Since

	if err := x.QueryChanges(
		ctx,
		q,
		func(ctx context.Context, e view.Entry) view.Signal {
			if sig == view.Stop {
				// The executor has ignored a previous stop.
				return view.Stop
			}

			since = max(since, e.Seq)
			sig, acc = cb(
				ctx,
				Event{
					Type:  ChangeEvent,
					Entry: e,
					Since: since,
				},
				acc,
			)

			return sig
		},
	); err != nil {
		var zero A
		return view.Continue, zero, q.Since, err
	}

	return sig, acc, since, nil
}

// pass is the result of a single catch-up pass.
type pass[A any] struct {
	Signal view.Signal
	Acc    A
	Since  uint64
}

// chain runs one query per option set, in order, threading the checkpoint and
// accumulator from each query into the next. It stops at the first query for
// which cb returns [view.Stop].
//
// If queries is empty, base.Options is queried alone.
func chain[A any](
	ctx context.Context,
	x view.Executor,
	base view.Query,
	queries []view.Options,
	cb Callback[A],
	acc A,
) (pass[A], error) {
	if len(queries) == 0 {
		queries = []view.Options{base.Options}
	}

	p := pass[A]{
		Signal: view.Continue,
		Acc:    acc,
		Since:  base.Since,
	}

	for _, opts := range queries {
		q := base
		q.Since = p.Since
		q.Options = opts

		sig, acc, since, err := fold(ctx, x, q, cb, p.Acc)
		if err != nil {
			return pass[A]{}, err
		}

		p = pass[A]{sig, acc, since}

		if sig == view.Stop {
			break
		}
	}

	return p, nil
}
