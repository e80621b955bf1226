package feedconfig

import (
	"context"
	"time"

	"github.com/dogmatiq/viewfeed/internal/telemetry"
	"github.com/dogmatiq/viewfeed/view"
)

// Config encapsulates the configuration of a [viewfeed.Feed], built by
// applying [viewfeed.FeedOption] functions.
type Config struct {
	UseEnv    bool
	Telemetry *telemetry.Provider

	// Closers are called, in reverse order, when the feed is closed. They
	// release the resources of components constructed by the configuration
	// itself.
	Closers []func(context.Context) error

	Changes struct {
		DefaultTimeout time.Duration
		DefaultRefresh *bool
		Kind           view.Kind
	}

	Views struct {
		Executor view.Executor
		Notifier view.Notifier
		Leases   view.Lessor
	}
}

// New returns a new configuration for a [viewfeed.Feed].
func New[Option ~func(*Config)](options []Option) Config {
	c := Config{
		Telemetry: &telemetry.Provider{},
	}

	for _, opt := range options {
		opt(&c)
	}

	c.finalize()

	return c
}

func (c *Config) finalize() {
	c.finalizeTelemetry()
	c.finalizeChanges()
	c.finalizeNotifier()
	c.finalizeExecutor()
	c.finalizeLeases()
}
