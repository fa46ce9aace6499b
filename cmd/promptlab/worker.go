package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-promptlab/internal/reaper"
	"github.com/ahrav/go-promptlab/internal/workflow"
	"github.com/ahrav/go-promptlab/internal/worker"
)

var workerFlags struct {
	queues []string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the iteration workflow and stage activity workers",
	Long: `Run one Temporal worker per lane. By default every lane is served; pass
--queue to serve a subset, e.g. a GPU host that only runs promptlab.execute.

The worker also runs the stale-run reaper, the in-memory cache purge and
the pricing overrides watcher when they are configured.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringSliceVar(&workerFlags.queues, "queue", nil, "task queues to serve (default: all)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rt, err := worker.InitializeRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	c, err := dialTemporal(cfg.Temporal, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	return serveLanes(ctx, rt, c, workerFlags.queues, logger)
}

// serveLanes runs the lane workers and maintenance jobs until ctx ends.
func serveLanes(ctx context.Context, rt *worker.Runtime, c client.Client, queues []string, logger *slog.Logger) error {
	if len(queues) == 0 {
		queues = workflow.Queues
	}
	for _, q := range queues {
		if !slices.Contains(workflow.Queues, q) {
			return fmt.Errorf("unknown task queue %q", q)
		}
	}

	workers, err := worker.NewLaneWorkers(c, queues, worker.NewStages(rt), rt.Config.Lanes)
	if err != nil {
		return err
	}

	sched := reaper.NewScheduler(logger)
	if rt.Config.Reaper.Enabled {
		r := reaper.New(rt.Store, rt.Config.Reaper.Ceiling, rt.Broker, rt.Metrics, logger)
		if err := sched.Add(ctx, "reap-stale-runs", rt.Config.Reaper.Schedule, func(ctx context.Context) error {
			n, err := r.Sweep(ctx)
			if n > 0 {
				logger.Info("reaped stale runs", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
	}
	if rt.Cache != nil {
		if err := sched.Add(ctx, "purge-response-cache", rt.Config.Gateway.Cache.PurgeSchedule, func(context.Context) error {
			rt.Cache.Purge()
			return nil
		}); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		if err := w.Start(); err != nil {
			for _, started := range workers[:i] {
				started.Stop()
			}
			return fmt.Errorf("start worker for %s: %w", queues[i], err)
		}
	}
	logger.Info("lane workers started", "queues", queues)
	sched.Start(gctx)

	g.Go(func() error { return rt.WatchPricing(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	sched.Stop()
	stopAll(workers)
	logger.Info("lane workers stopped")
	return err
}

func stopAll(workers []sdkworker.Worker) {
	for _, w := range workers {
		w.Stop()
	}
}
