package feedconfig

import (
	"time"

	"github.com/dogmatiq/ferrite"
	"github.com/dogmatiq/viewfeed/changes"
	"github.com/dogmatiq/viewfeed/view"
)

var (
	// defaultTimeout is the idle timeout used by requests that do not
	// specify one.
	defaultTimeout = ferrite.
			Duration("VIEWFEED_CHANGES_TIMEOUT", "the default idle timeout of a changes request").
			WithDefault(changes.DefaultTimeout).
			WithMinimum(time.Millisecond).
			Required()

	// defaultRefresh determines whether requests lease the background
	// indexer unless they specify otherwise.
	defaultRefresh = ferrite.
			Bool("VIEWFEED_REFRESH", "keep the background indexer running while a changes request is active").
			WithDefault(true).
			Required()
)

func (c *Config) finalizeChanges() {
	if c.Changes.DefaultTimeout == 0 {
		if c.UseEnv {
			c.Changes.DefaultTimeout = defaultTimeout.Value()
		} else {
			c.Changes.DefaultTimeout = changes.DefaultTimeout
		}
	}

	if c.Changes.DefaultRefresh == nil {
		refresh := true
		if c.UseEnv {
			refresh = defaultRefresh.Value()
		}
		c.Changes.DefaultRefresh = &refresh
	}

	if c.Changes.Kind == "" {
		c.Changes.Kind = view.MapReduce
	}
}
