// Package main provides the outbox relay service entry point.
// Publishes appointment events and reminder audit rows from the transactional
// outbox to Redpanda.
package main

import (
	"context"
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
	"github.com/careremind/reminder-engine/internal/infrastructure/postgres"
	"github.com/careremind/reminder-engine/internal/infrastructure/redpanda"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
)

const (
	serviceName = "outbox-relay"

	cleanupInterval = time.Hour
	retainProcessed = 7 * 24 * time.Hour
)

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

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("the outbox relay needs STORE_DRIVER=postgres", zap.String("store", cfg.StoreDriver))
	}

	ctx := context.Background()
	tp, err := app.InitTracing(ctx, cfg, serviceName)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := app.OpenPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	created, err := admin.EnsureTopics(ctx, cfg.KafkaReplication)
	admin.Close()
	if err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	if len(created) > 0 {
		logger.Info("topics created", zap.Strings("topics", created))
	}

	// Create Redpanda producer
	producer, err := redpanda.NewProducer(app.ProducerConfig(cfg), logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers()))

	reg := app.NewRegistry()
	m := metrics.New(reg)

	outbox := postgres.NewOutbox(pool, producer, app.OutboxConfig(cfg), m, logger)
	outbox.Start()
	logger.Info("outbox relay started")

	stopCleanup := make(chan struct{})
	go cleanupLoop(outbox, stopCleanup, logger)

	health := handlers.NewHealthHandler(serviceName, app.Version, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return producer.Ping(ctx)
	})
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(stopCleanup)
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

func cleanupLoop(outbox *postgres.Outbox, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := outbox.CleanupProcessed(ctx, retainProcessed)
			cancel()
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
