// Package main is the entrypoint for the ReelSmith API server.
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

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/reelsmith/reelsmith/internal/ai"
	"github.com/reelsmith/reelsmith/internal/api"
	"github.com/reelsmith/reelsmith/internal/api/handler"
	mw "github.com/reelsmith/reelsmith/internal/api/middleware"
	"github.com/reelsmith/reelsmith/internal/api/response"
	"github.com/reelsmith/reelsmith/internal/broker"
	"github.com/reelsmith/reelsmith/internal/cache"
	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/internal/objstore"
	"github.com/reelsmith/reelsmith/internal/pipeline"
	"github.com/reelsmith/reelsmith/internal/render"
	"github.com/reelsmith/reelsmith/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create job broker
	jobBroker, err := broker.NewRedisBroker(cfg.Redis.URL, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger)
	if err != nil {
		return fmt.Errorf("create job broker: %w", err)
	}
	defer jobBroker.Close()
	slog.Info("job broker started", "workers", cfg.Pipeline.Workers)

	// 6. Create AI provider and render/storage clients
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	renderClient := render.NewClient(cfg.Render)
	defer renderClient.Close()

	objects := objstore.NewClient(cfg.Storage)

	// 7. Create store and pipeline
	pgStore := store.NewPostgresStore(pool)

	aggregator := pipeline.NewAggregator(pgStore, logger)
	stages := pipeline.DefaultStages(aiProvider, objects, renderClient)
	dispatcher := pipeline.NewDispatcher(pgStore, jobBroker, redisCache, stages, aggregator, cfg.Pipeline, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	slog.Info("dispatcher started", "poll_interval", cfg.Pipeline.PollInterval)

	svc := pipeline.NewService(pgStore, redisCache, cfg.Pipeline, logger)

	// 8. Schedule the reconciliation sweeper
	sweeper := pipeline.NewSweeper(pgStore, jobBroker, aggregator, cfg.Pipeline.SweepGrace, logger)
	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.Pipeline.SweepInterval), func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.SweepInterval)
		defer cancel()
		if err := sweeper.Sweep(sweepCtx); err != nil {
			slog.Error("reconciliation sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	sched.Start()
	defer sched.Stop()
	slog.Info("sweeper scheduled", "interval", cfg.Pipeline.SweepInterval, "grace", cfg.Pipeline.SweepGrace)

	// 9. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler:     healthHandler(pgStore, redisCache),
		CreateTaskHandler: handler.NewCreateTaskHandler(svc),
		GetTaskHandler:    handler.NewGetTaskHandler(svc),
		CancelTaskHandler: handler.NewCancelTaskHandler(svc),
		RetryTaskHandler:  handler.NewRetryTaskHandler(svc),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
