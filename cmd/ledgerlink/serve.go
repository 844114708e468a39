package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ledgerlink/pkg/api"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/cuemby/ledgerlink/pkg/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers, the agent monitor and the HTTP/gRPC surface",
	Long: `Run the engine as a long-lived process:

  - a worker pool draining the sync job queue
  - the agent monitor on agent.interval
  - a metrics collector refreshing queue, dead-letter and drift gauges
  - the HTTP API on api.addr (jobs, status, health, metrics)
  - the gRPC health service on api.grpc_addr, when set

Use --no-workers to run the agent and API only, for example when workers
run as separate processes against a shared Postgres store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorkers, _ := cmd.Flags().GetBool("no-workers")
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			return serve(ctx, e, !noWorkers)
		})
	},
}

func init() {
	serveCmd.Flags().Bool("no-workers", false, "Do not start the worker pool")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, e *engine, withWorkers bool) error {
	logger := log.WithComponent("serve")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopJournal := events.Journal(e.broker, log.WithComponent("events"))
	defer stopJournal()

	var pool *worker.Pool
	if withWorkers {
		var err error
		pool, err = e.newPool()
		if err != nil {
			return err
		}
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start workers: %v", err)
		}
		metrics.RegisterComponent("workers", true, "")
		logger.Info().Int("count", e.cfg.Workers.Count).Msg("Workers started")
	} else {
		metrics.SetCriticalComponents("store")
	}

	collector := metrics.NewCollector(e.store, e.registry.Providers())
	collector.Start()
	defer collector.Stop()

	httpServer := api.NewHealthServer(e.queue, e.agent)
	errCh := make(chan error, 3)
	go func() {
		if err := httpServer.Start(e.cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %v", err)
		}
	}()

	var grpcServer *api.Server
	if e.cfg.API.GRPCAddr != "" {
		grpcServer = api.NewServer()
		go func() {
			if err := grpcServer.Start(e.cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %v", err)
			}
		}()
	}

	observe := func(report *types.CycleReport) {
		if grpcServer != nil {
			grpcServer.ObserveReport(report)
			return
		}
		api.RecordComponents(report)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.agent.Monitor(ctx, e.cfg.Agent.Interval, observe); err != nil {
			errCh <- err
		}
	}()

	logger.Info().Msg("LedgerLink is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down after error")
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if pool != nil {
		pool.Stop()
		metrics.UpdateComponent("workers", false, "stopped")
	}
	wg.Wait()

	logger.Info().Msg("Shutdown complete")
	return runErr
}
