package viewfeed

import (
	"context"
	"errors"

	"github.com/dogmatiq/viewfeed/changes"
	"github.com/dogmatiq/viewfeed/internal/feedconfig"
	"github.com/dogmatiq/viewfeed/view"
)

// Feed serves changes requests against the views of a database.
type Feed struct {
	handler changes.Handler
	closers []func(context.Context) error
}

// New returns a new feed.
//
// It panics if no view store is configured, either via [WithExecutor] or the
// environment.
func New(options ...FeedOption) *Feed {
	cfg := feedconfig.New(options)

	return &Feed{
		handler: changes.Handler{
			Executor:       cfg.Views.Executor,
			Notifier:       cfg.Views.Notifier,
			Leases:         cfg.Views.Leases,
			Kind:           cfg.Changes.Kind,
			DefaultTimeout: cfg.Changes.DefaultTimeout,
			DefaultRefresh: *cfg.Changes.DefaultRefresh,
			Logger:         cfg.Telemetry.Logger,
			TracerProvider: cfg.Telemetry.TracerProvider,
			MeterProvider:  cfg.Telemetry.MeterProvider,
		},
		closers: cfg.Closers,
	}
}

// HandleChanges serves a changes request for a view.
//
// fn is called for each entry after opts.Since, and then according to the
// stream mode in opts. It returns the final value of the accumulator once fn
// has received a [changes.StopEvent].
func HandleChanges[A any](
	ctx context.Context,
	f *Feed,
	database, index, viewName string,
	fn changes.Callback[A],
	acc A,
	opts changes.Options,
) (A, error) {
	return changes.Handle(
		ctx,
		&f.handler,
		changes.Request[A]{
			Identity: view.Identity{
				Database: database,
				Index:    index,
			},
			View:     viewName,
			Callback: fn,
			Acc:      acc,
			Options:  opts,
		},
	)
}

// Close releases the resources held by the feed, stopping any background
// indexers that it started.
func (f *Feed) Close(ctx context.Context) error {
	var errs []error

	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
