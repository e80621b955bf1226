package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dogmatiq/ferrite"
	"github.com/dogmatiq/viewfeed"
	"github.com/dogmatiq/viewfeed/changes"
	"github.com/dogmatiq/viewfeed/lease"
	"github.com/dogmatiq/viewfeed/notifier"
	"github.com/dogmatiq/viewfeed/view"
	"github.com/dogmatiq/viewfeed/view/memoryview"
	"golang.org/x/sync/errgroup"
)

func main() {
	ferrite.Init()

	logger := slog.New(
		slog.NewJSONHandler(
			os.Stdout,
			&slog.HandlerOptions{
				Level: slog.LevelDebug,
			},
		),
	)

	hub := &notifier.Hub{Logger: logger}
	store := &memoryview.Store{Publisher: hub}
	id := view.Identity{Database: "shop", Index: "orders"}
	store.CreateIndex(id)

	feed := viewfeed.New(
		viewfeed.WithOptionsFromEnvironment(),
		viewfeed.WithExecutor(store),
		viewfeed.WithNotifier(hub),
		viewfeed.WithLessor(
			&lease.Registry{
				Indexer: func(ctx context.Context, _ view.Kind, id view.Identity) error {
					return index(ctx, store, id)
				},
				Linger: 5 * time.Second,
				Logger: logger,
			},
		),
		viewfeed.WithLogger(logger),
	)

	sigCtx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	g, ctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		n, err := viewfeed.HandleChanges(
			ctx,
			feed,
			id.Database,
			id.Index,
			"by_status",
			func(_ context.Context, ev changes.Event, n int) (view.Signal, int) {
				switch ev.Type {
				case changes.ChangeEvent:
					fmt.Printf("%d %s %s\n", ev.Entry.Seq, ev.Entry.DocID, ev.Entry.Key)
					n++
				case changes.HeartbeatEvent:
					fmt.Println("heartbeat")
				}
				return view.Continue, n
			},
			0,
			changes.Options{
				Stream:    changes.StreamContinuous,
				Heartbeat: changes.Heartbeat{Interval: 10 * time.Second},
			},
		)

		logger.InfoContext(ctx, "changes feed ended", slog.Int("entries", n))

		return err
	})

	if err := g.Wait(); err != nil && sigCtx.Err() == nil {
		panic(err)
	}

	if err := feed.Close(context.Background()); err != nil {
		panic(err)
	}
}

// index simulates a background indexer that commits a new entry to the
// "by_status" view every second.
func index(ctx context.Context, s *memoryview.Store, id view.Identity) error {
	statuses := []string{"pending", "paid", "shipped"}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		seq, _ := s.UpdateSeq(id)
		seq++

		if err := s.Append(
			id,
			"by_status",
			view.Entry{
				Seq:   seq,
				DocID: fmt.Sprintf("order-%d", seq%5),
				Key:   []byte(statuses[seq%uint64(len(statuses))]),
			},
		); err != nil {
			return err
		}
	}
}
