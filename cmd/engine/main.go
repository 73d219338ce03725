// Package main is the entry point for the campaign execution engine.
//
// It loads configuration, connects the Postgres pool, runs the startup
// recovery pass over the scheduled-action ledger, and then starts the three
// long-running halves of the process: the ingestion HTTP API, the send and
// timeout worker pools, and the queue maintenance cron.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM):
// HTTP intake stops first, then the cron, then the worker pools drain their
// in-flight jobs before the pool closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/config"
	"outreach/internal/core"
	"outreach/internal/db"
	"outreach/internal/engine"
	"outreach/internal/external"
	"outreach/internal/ingest"
	"outreach/internal/queue"
	"outreach/internal/recovery"
	"outreach/internal/schedule"
	"outreach/internal/types"
	"outreach/internal/workers"
)

const dbConnectTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("campaign engine starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	// Root context is cancelled by the first shutdown signal.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(rootCtx, dbConnectTimeout)
	defer cancel()
	pool, err := db.NewPool(connectCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	appLog := types.NewLogger(logger)
	clock := types.RealClock{}

	campaignRepo := db.NewCampaignRepository(pool)
	actionRepo := db.NewActionRepository(pool)
	eventRepo := db.NewEventRepository(pool)

	scheduler := queue.NewScheduler(pool, cfg.Queue, clock, appLog.With("component", "queue"))

	// Recovery runs before any worker starts so that re-armed timers cannot
	// race freshly claimed jobs for the same actions.
	runner := recovery.NewRunner(actionRepo, scheduler, cfg.Recovery, clock, appLog.With("component", "recovery"))
	report, err := runner.Run(rootCtx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	logger.Info("startup recovery finished",
		"total", report.Total,
		"recovered", report.Recovered,
		"expired", report.Expired,
		"failed", report.Failed,
	)

	calc := schedule.NewCalculator(clock, appLog)
	interp := engine.NewInterpreter(campaignRepo, actionRepo, scheduler, calc, cfg.Engine, clock, appLog.With("component", "engine"))
	dispatcher := external.NewDispatchClient(cfg.Dispatch, appLog.With("component", "dispatch"))

	sendWorker := workers.NewSendWorker(campaignRepo, actionRepo, interp, dispatcher, clock, appLog.With("component", "send_worker"))
	timeoutWorker := workers.NewTimeoutWorker(interp, eventRepo, actionRepo, appLog.With("component", "timeout_worker"))

	sendPool := queue.NewWorkerPool(queue.WorkerPoolConfig{
		Scheduler:    scheduler,
		Queue:        types.QueueSends,
		Handler:      sendWorker.Handle,
		Concurrency:  cfg.Queue.SendWorkers,
		PollInterval: cfg.Queue.PollInterval,
		DrainTimeout: cfg.Queue.DrainTimeout,
		Logger:       appLog,
	})
	timeoutPool := queue.NewWorkerPool(queue.WorkerPoolConfig{
		Scheduler:    scheduler,
		Queue:        types.QueueTimeouts,
		Handler:      timeoutWorker.Handle,
		Concurrency:  cfg.Queue.TimeoutWorkers,
		PollInterval: cfg.Queue.PollInterval,
		DrainTimeout: cfg.Queue.DrainTimeout,
		Logger:       appLog,
	})

	maintenance := queue.NewMaintenance(scheduler, appLog.With("component", "maintenance"))
	if err := maintenance.Start(rootCtx); err != nil {
		return fmt.Errorf("starting queue maintenance: %w", err)
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.RegisterProbe(core.ProbeFunc{ProbeName: "database", Fn: pool.Ping})

	handler := ingest.NewHandler(interp, eventRepo, clock, appLog.With("component", "ingest"))
	handler.Mount(srv.Router())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Worker pools get their own cancellation so they keep draining while
	// the HTTP server shuts down.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	g := new(errgroup.Group)
	g.Go(func() error { return sendPool.Run(workerCtx) })
	g.Go(func() error { return timeoutPool.Run(workerCtx) })

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			stopWorkers()
			_ = g.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Stop intake first so no new enrollments or events arrive while the
	// pools finish the jobs they already claimed.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	maintenance.Stop(cfg.Server.ShutdownTimeout)

	stopWorkers()
	if err := g.Wait(); err != nil {
		logger.Error("worker pool shutdown error", "error", err)
	}

	logger.Info("campaign engine stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
