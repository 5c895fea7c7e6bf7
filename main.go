// Command kickdashboard runs the chat rewards pipeline.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the worker pool that claims chat-message jobs and awards currency.
//   - Optionally starts the Twitch IRC ingestion adapter (CHAT_INGEST_ENABLED=1).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: in-flight jobs drain up to the drain
// timeout; a second signal forces immediate exit.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Sweetflips/Kickdashboard-sub005/chat"
	"github.com/Sweetflips/Kickdashboard-sub005/config"
	"github.com/Sweetflips/Kickdashboard-sub005/db"
	"github.com/Sweetflips/Kickdashboard-sub005/queue"
	"github.com/Sweetflips/Kickdashboard-sub005/reward"
	"github.com/Sweetflips/Kickdashboard-sub005/server"
	"github.com/Sweetflips/Kickdashboard-sub005/session"
	"github.com/Sweetflips/Kickdashboard-sub005/telemetry"
	"github.com/Sweetflips/Kickdashboard-sub005/worker"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("kickdashboard", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := queue.NewStore(database)
	resolver := session.NewPGResolver(database)
	engine := reward.NewEngine(database, resolver, reward.Config{
		BaseAmount:    cfg.RewardAmount,
		SubMultiplier: cfg.RewardSubMultiplier,
		RateWindow:    cfg.RewardRateWindow,
		Retry:         reward.DefaultRetryPolicy(cfg.RewardRetryAttempts, cfg.RewardRetryBase),
	})
	pool := worker.New(database, store, engine, resolver, worker.Config{
		BatchSize:        cfg.WorkerBatchSize,
		PollInterval:     cfg.WorkerPollInterval,
		Concurrency:      cfg.WorkerConcurrency,
		StaleLockTimeout: cfg.WorkerStaleLockTimeout,
		StatsInterval:    cfg.WorkerStatsInterval,
		DrainTimeout:     cfg.WorkerDrainTimeout,
		MaxAttempts:      cfg.JobMaxAttempts,
		Verbose:          cfg.WorkerVerbose,
	})

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool exited with error", slog.Any("err", err))
		}
	}()

	if cfg.ChatIngestEnabled {
		if err := cfg.ValidateChatReady(); err != nil {
			slog.Error("chat ingest enabled but not configured", slog.Any("err", err))
			os.Exit(1)
		}
		go chat.StartIngest(ctx, database, store, cfg)
	} else {
		slog.Info("chat ingest disabled; relying on external producers")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, database, store, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down; draining in-flight jobs (send signal again to force exit)")

	// A second signal aborts the drain.
	force := make(chan os.Signal, 1)
	signal.Notify(force, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-poolDone:
		slog.Info("shutdown complete")
	case <-force:
		slog.Warn("second signal received; forcing exit")
		os.Exit(1)
	}
}
