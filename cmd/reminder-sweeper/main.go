// Package main provides the due-reminder sweeper entry point.
// Dispatches scheduled reminders whose time has come, under the appointment lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/api/handlers"
	"github.com/careremind/reminder-engine/internal/app"
	"github.com/careremind/reminder-engine/internal/config"
	"github.com/careremind/reminder-engine/internal/notify"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
)

const serviceName = "reminder-sweeper"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg, serviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	a, err := app.New(context.Background(), cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	sweeper, err := notify.NewSweeper(a.Service, app.SweeperConfig(cfg), a.Metrics, logger)
	if err != nil {
		logger.Fatal("sweeper creation failed", zap.Error(err))
	}
	sweeper.Start()

	// health and metrics only
	health := handlers.NewHealthHandler(serviceName, app.Version, func(ctx context.Context) error {
		if !sweeper.Healthy() {
			return errors.New("dispatch queue saturated")
		}
		return a.Ready(ctx)
	})
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(a.Registry))

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("reminder sweeper running", zap.String("port", cfg.HTTPPort))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("reminder sweeper stopped")
}
