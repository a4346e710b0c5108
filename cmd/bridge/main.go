// Lark bridge for OpenCode-style AI session backends.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/bridge"
	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/config"
	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/lark"
	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/opencode"
	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/store"
)

const adapterKey = "lark"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting bridge",
		"port", cfg.Port,
		"backend", cfg.OpenCodeURL,
		"conn_mode", cfg.Lark.ConnMode,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	backend := opencode.NewClient(cfg.OpenCodeURL, logger)
	if err := backend.Healthy(context.Background()); err != nil {
		// Not fatal: the consumer's reconnect loop will keep trying.
		slog.Warn("Backend not reachable yet", "error", err)
	}

	transport := lark.NewTransport(cfg.Lark.BaseURL, cfg.Lark.AppID, cfg.Lark.AppSecret, cfg.Lark.UseCards)
	router := bridge.NewRouter(backend, repo)
	buffers := bridge.NewBufferStore()
	scheduler := bridge.NewScheduler(transport, cfg.FlushInterval, cfg.EditRetryDelay)
	consumer := bridge.NewConsumer(backend, router, buffers, scheduler, cfg.ReconnectBase, cfg.ReconnectCap)
	guard := bridge.NewDedupeGuard(cfg.DedupeCapacity)
	inbound := bridge.NewInbound(router, guard, transport, backend, adapterKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event consumer: the single goroutine owning all buffer state.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Consumer stopped", "error", err)
		}
	}()

	// Inbound path: webhook server or long connection, per config.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	if cfg.Lark.ConnMode == config.ModeWebhook {
		webhook := lark.NewWebhookHandler(inbound, cfg.Lark.VerifyToken)
		webhook.RegisterRoutes(r)
	} else {
		wsClient := lark.NewWSClient(cfg.Lark.WSEndpoint, inbound, cfg.Lark.VerifyToken)
		go func() {
			if err := wsClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Event connection stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		slog.Warn("Consumer did not stop in time")
	}

	slog.Info("Bridge stopped successfully")
}
