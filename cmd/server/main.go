package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/geokatch/geokatch/internal/bus"
	"github.com/geokatch/geokatch/internal/config"
	"github.com/geokatch/geokatch/internal/database"
	"github.com/geokatch/geokatch/internal/handler"
	"github.com/geokatch/geokatch/internal/layer"
	"github.com/geokatch/geokatch/internal/middleware"
	"github.com/geokatch/geokatch/internal/repository"
	"github.com/geokatch/geokatch/internal/service/action"
	"github.com/geokatch/geokatch/internal/service/eval"
	"github.com/geokatch/geokatch/internal/service/monitor"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()

	// Database
	pool, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.Migrate(pool); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Layer provider: block start-up until the feature API answers, the
	// same way the engine would otherwise fail every early run.
	client := layer.NewClient(cfg.LayerAPIURL, cfg.LayerAPIPrefix, cfg.QueryTimeout)
	waitCtx, cancelWait := context.WithTimeout(ctx, cfg.LayerReadyWait)
	if err := client.WaitReady(waitCtx, 3*time.Second); err != nil {
		cancelWait()
		slog.Error("layer provider never became ready", "error", err)
		os.Exit(1)
	}
	cancelWait()

	feed := layer.NewChangeFeed(cfg.LayerAPIURL, cfg.LayerAPIPrefix, cfg.FeedBackoffMax)
	go feed.Run(ctx)

	// Services
	monitorRepo := repository.NewMonitorRepository(pool)
	statusBus := bus.New()
	engine := eval.New(client, cfg.EvalConcurrency)
	dispatcher := action.New(cfg.ActionTimeout)
	registry := monitor.NewRegistry(monitorRepo, engine, dispatcher, statusBus, feed)
	go registry.Run(ctx)

	if err := registry.StartExisting(ctx); err != nil {
		slog.Error("failed to load persisted monitors", "error", err)
		os.Exit(1)
	}

	// Handlers
	monHandler := handler.NewMonitorHandler(monitorRepo, registry)
	evHandler := handler.NewEventsHandler(statusBus)

	// Router
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORSAllowOrigin))
	r.Use(chiMiddleware.Logger)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.Route("/api/v1", func(r chi.Router) {
		monHandler.RegisterRoutes(r)
		evHandler.RegisterRoutes(r)
	})

	// Server with graceful shutdown
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	// Give in-flight requests time to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
