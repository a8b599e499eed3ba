package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketcache/internal/batch"
	"marketcache/internal/cache"
	"marketcache/internal/config"
	"marketcache/internal/marketdata"
	"marketcache/internal/platform/sqlite"
	jobrepo "marketcache/internal/repository/batchjob"
	mdrepo "marketcache/internal/repository/marketdata"
	"marketcache/internal/scheduler"
	"marketcache/internal/server"
	"marketcache/internal/upstream/yahoo"
	"marketcache/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	// Root context: cancelled on SIGINT/SIGTERM so in-flight batch workers
	// stop promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Repositories and the tiered cache over the market-data store.
	dataRepo := mdrepo.NewRepository(db.DB)
	jobRepo := jobrepo.NewRepository(db.DB)
	tiered := cache.NewTiered(dataRepo)

	client := yahoo.New(
		yahoo.WithRateLimit(cfg.Upstream.RequestsPerMinute),
		yahoo.WithRetry(cfg.Upstream.MaxAttempts, cfg.Upstream.RetryDelay.Std()),
	)

	proc := batch.NewProcessor(tiered, dataRepo, client,
		batch.WithWorkers(cfg.Pipeline.Workers),
		batch.WithSafetyMargin(cfg.Pipeline.SafetyMargin.Std()),
		batch.WithDelistedSuffix(cfg.Pipeline.DelistedSuffix),
	)

	fillSvc := batch.NewService(jobRepo, dataRepo, proc,
		batch.WithDefaultBatchSize(cfg.Pipeline.BatchSize),
		batch.WithHistoryYears(cfg.Pipeline.HistoryYears),
	)
	orch := batch.NewOrchestrator(fillSvc, proc,
		batch.WithWindow(cfg.Pipeline.Window.Std()),
	)
	adminSvc := marketdata.NewService(dataRepo, jobRepo)

	// Optional in-process driver: re-triggers active jobs so they drain even
	// without an external poller.
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(fillSvc, orch, cfg.Pipeline.Window.Std()+cfg.Pipeline.SafetyMargin.Std())
		if err := sched.Register(cfg.Scheduler.Spec); err != nil {
			slog.Error("failed to register scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()
	}

	mux := server.NewHandler(fillSvc, orch, adminSvc, cfg.Pipeline.SyncThreshold, cfg.Pipeline.Window.Std())
	srv := server.New(rootCtx, cfg.Server.Port, mux, cfg.Pipeline.Window.Std())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Server.Port, "scheduler", cfg.Scheduler.Enabled)
	<-done

	// Cancel root context first so in-flight requests (and their batch
	// workers) begin winding down immediately.
	rootCancel()

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
