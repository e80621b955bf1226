package viewfeed

import (
	"log/slog"
	"time"

	"github.com/dogmatiq/viewfeed/internal/feedconfig"
	"github.com/dogmatiq/viewfeed/view"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// A FeedOption configures the behavior of a [Feed].
type FeedOption func(*feedconfig.Config)

// WithOptionsFromEnvironment is a feed option that configures the feed using
// options specified via environment variables.
//
// Any explicit options passed to [New] take precedence over options from the
// environment.
func WithOptionsFromEnvironment() FeedOption {
	return func(cfg *feedconfig.Config) {
		cfg.UseEnv = true
	}
}

// WithExecutor is a [FeedOption] that sets the view store that runs changes
// queries.
func WithExecutor(x view.Executor) FeedOption {
	if x == nil {
		panic("executor must not be nil")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Views.Executor = x
	}
}

// WithNotifier is a [FeedOption] that sets the source of index lifecycle
// events used by streaming requests.
func WithNotifier(n view.Notifier) FeedOption {
	if n == nil {
		panic("notifier must not be nil")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Views.Notifier = n
	}
}

// WithLessor is a [FeedOption] that sets the lessor used to keep background
// indexers running while requests are active.
func WithLessor(l view.Lessor) FeedOption {
	if l == nil {
		panic("lessor must not be nil")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Views.Leases = l
	}
}

// WithIndexKind is a [FeedOption] that sets the kind of index for which
// indexer leases are acquired.
func WithIndexKind(k view.Kind) FeedOption {
	if k == "" {
		panic("index kind must not be empty")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Changes.Kind = k
	}
}

// WithDefaultTimeout is a [FeedOption] that sets the idle timeout used by
// requests that do not specify one.
func WithDefaultTimeout(d time.Duration) FeedOption {
	if d <= 0 {
		panic("default timeout must be positive")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Changes.DefaultTimeout = d
	}
}

// WithDefaultRefresh is a [FeedOption] that determines whether requests hold
// a lease on the background indexer unless they specify otherwise.
func WithDefaultRefresh(refresh bool) FeedOption {
	return func(cfg *feedconfig.Config) {
		cfg.Changes.DefaultRefresh = &refresh
	}
}

// WithTracerProvider is a [FeedOption] that sets the OpenTelemetry tracer
// provider used by the feed.
func WithTracerProvider(p trace.TracerProvider) FeedOption {
	if p == nil {
		panic("tracer provider must not be nil")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Telemetry.TracerProvider = p
	}
}

// WithMeterProvider is a [FeedOption] that sets the OpenTelemetry meter
// provider used by the feed.
func WithMeterProvider(p metric.MeterProvider) FeedOption {
	if p == nil {
		panic("meter provider must not be nil")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Telemetry.MeterProvider = p
	}
}

// WithLogger is a [FeedOption] that sets the logger used by the feed.
func WithLogger(l *slog.Logger) FeedOption {
	if l == nil {
		panic("logger must not be nil")
	}

	return func(cfg *feedconfig.Config) {
		cfg.Telemetry.Logger = l
	}
}
