package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	jobs "github.com/UniQw/uniqw-jobs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func workerCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the workers of every configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Log lifecycle events while running")
	return cmd
}

func (a *app) runWorker(ctx context.Context, watch bool) error {
	lg := jobs.NewZapLogger(a.log)
	queues := make([]string, 0, len(a.cfg.Queues))
	for q := range a.cfg.Queues {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	reg, err := newRegistry(queues, lg)
	if err != nil {
		return err
	}
	srv := jobs.NewServer(a.rdb, jobs.ServerConfig{
		Queues:          a.cfg.Queues,
		Logger:          lg,
		PublishEvents:   a.cfg.PublishEvents || watch,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	}, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Start()
		a.log.Info("worker started", zap.String("redis", a.cfg.Redis.Addr), zap.Strings("queues", queues))
		<-gctx.Done()
		a.log.Info("shutting down")
		srv.Stop()
		return nil
	})
	if watch {
		g.Go(func() error {
			return a.cli.Subscribe(gctx, func(ev jobs.Event) {
				a.log.Info("event",
					zap.String("kind", string(ev.Kind)),
					zap.String("id", ev.JobID),
					zap.String("queue", ev.Queue),
					zap.Int("attempt", ev.Attempt),
					zap.Int("progress", ev.Progress),
					zap.String("error", ev.Error),
				)
			})
		})
	}
	return g.Wait()
}
