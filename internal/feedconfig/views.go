package feedconfig

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dogmatiq/ferrite"
	"github.com/dogmatiq/viewfeed/lease"
	"github.com/dogmatiq/viewfeed/notifier"
	"github.com/dogmatiq/viewfeed/view"
	"github.com/dogmatiq/viewfeed/view/dynamoview"
	"github.com/dogmatiq/viewfeed/view/memoryview"
)

// viewDSN is the DSN describing which view store to use.
var viewDSN = ferrite.
	URL("VIEWFEED_VIEW_DSN", "the DSN of the view store, such as memory:// or dynamodb://<table>").
	Optional()

// executorFromDSN returns the view store described by the given DSN.
//
// The store publishes lifecycle events to p, which may be nil.
func executorFromDSN(
	ctx context.Context,
	dsn *url.URL,
	p view.Publisher,
) (view.Executor, error) {
	switch dsn.Scheme {
	case "memory":
		return &memoryview.Store{Publisher: p}, nil

	case "dynamodb":
		if dsn.Host == "" {
			return nil, fmt.Errorf("%s: table name is missing", dsn.Redacted())
		}

		var options []func(*config.LoadOptions) error
		q := dsn.Query()

		if region := q.Get("region"); region != "" {
			options = append(options, config.WithRegion(region))
		}

		if endpoint := q.Get("endpoint"); endpoint != "" {
			options = append(
				options,
				config.WithEndpointResolverWithOptions(
					aws.EndpointResolverWithOptionsFunc(
						func(service, region string, options ...any) (aws.Endpoint, error) {
							return aws.Endpoint{URL: endpoint}, nil
						},
					),
				),
			)
		}

		if u := dsn.User; u != nil {
			secret, _ := u.Password()
			options = append(
				options,
				config.WithCredentialsProvider(
					credentials.NewStaticCredentialsProvider(u.Username(), secret, ""),
				),
			)
		}

		cfg, err := config.LoadDefaultConfig(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dsn.Redacted(), err)
		}

		return &dynamoview.Store{
			Client:    dynamodb.NewFromConfig(cfg),
			Table:     dsn.Host,
			Publisher: p,
		}, nil

	default:
		return nil, fmt.Errorf("%s: unsupported view store %q", dsn.Redacted(), dsn.Scheme)
	}
}

func (c *Config) finalizeNotifier() {
	if c.Views.Notifier != nil {
		return
	}

	c.Views.Notifier = &notifier.Hub{
		Logger: c.Telemetry.Logger,
	}
}

func (c *Config) finalizeExecutor() {
	if c.Views.Executor == nil && c.UseEnv {
		if dsn, ok := viewDSN.Value(); ok {
			p, _ := c.Views.Notifier.(view.Publisher)

			x, err := executorFromDSN(context.Background(), dsn, p)
			if err != nil {
				panic(err)
			}

			c.Views.Executor = x
		}
	}

	if c.Views.Executor == nil {
		panic("no view store is configured, set VIEWFEED_VIEW_DSN or provide the WithExecutor() option")
	}
}

func (c *Config) finalizeLeases() {
	if c.Views.Leases != nil {
		return
	}

	r := &lease.Registry{
		Logger: c.Telemetry.Logger,
	}

	c.Views.Leases = r
	c.Closers = append(c.Closers, r.Close)
}
