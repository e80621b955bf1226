package changes

import (
	"context"
	"fmt"

	"github.com/dogmatiq/viewfeed/view"
)

// leaseGuard holds a lease on an index's background indexer for the duration
// of a request.
type leaseGuard struct {
	Lessor   view.Lessor
	Kind     view.Kind
	Identity view.Identity
	Enabled  bool
}

// Acquire obtains the lease, if enabled.
func (g leaseGuard) Acquire(ctx context.Context) error {
	if !g.Enabled {
		return nil
	}

	if err := g.Lessor.Acquire(ctx, g.Kind, g.Identity); err != nil {
		return fmt.Errorf("unable to acquire %s indexer lease on %s: %w", g.Kind, g.Identity, err)
	}

	return nil
}

// Release gives up the lease, if enabled.
//
// It must be called exactly once for each successful call to Acquire.
func (g leaseGuard) Release(ctx context.Context) error {
	if !g.Enabled {
		return nil
	}

	// The lease must be released even if the request was canceled.
	ctx = context.WithoutCancel(ctx)

	if err := g.Lessor.Release(ctx, g.Kind, g.Identity); err != nil {
		return fmt.Errorf("unable to release %s indexer lease on %s: %w", g.Kind, g.Identity, err)
	}

	return nil
}
