package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-promptlab/internal/review"
	"github.com/ahrav/go-promptlab/internal/server"
	"github.com/ahrav/go-promptlab/internal/worker"
	"github.com/ahrav/go-promptlab/internal/workflow"
)

var serveFlags struct {
	listen     string
	withWorker bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the progress stream and suggestion review API",
	Long: `Serve the HTTP API:

  GET  /iterations/{id}            iteration status and metrics
  GET  /iterations/{id}/events     server-sent progress events
  POST /suggestions/{id}/review    {"decision": "approve" | "reject"}
  GET  /metrics                    Prometheus metrics (metrics.enabled)

With the memory progress backend, events only reach the API when the
workers run in the same process; pass --with-worker or use the redis
backend.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.withWorker, "with-worker", false, "also run every lane worker in this process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if serveFlags.listen != "" {
		cfg.Server.Addr = serveFlags.listen
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

	launcher := workflow.NewLauncher(c, launchDefaults(cfg))
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = rt.Metrics.Handler()
	}
	api := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		KeepAlive:         cfg.Server.KeepAlive,
	}, rt.Store, review.New(rt.Store, launcher, logger), rt.Broker, metricsHandler, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })
	if serveFlags.withWorker {
		g.Go(func() error { return serveLanes(gctx, rt, c, nil, logger) })
	}
	return g.Wait()
}
