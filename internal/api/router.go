// Package api assembles the HTTP surface of the reminder engine.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/api/handlers"
	"github.com/careremind/reminder-engine/internal/api/middleware"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/pkg/idempotency"
)

// Service is everything the API calls on the orchestrator
type Service interface {
	handlers.AppointmentService
	handlers.ReminderService
	handlers.VisitService
}

// Options configures NewRouter
type Options struct {
	ServiceName string
	Version     string
	Service     Service
	// Inbox deduplicates send and resend retries; nil disables Idempotency-Key
	Inbox *idempotency.Inbox
	// Ready backs /ready
	Ready func(ctx context.Context) error
	// Gatherer backs /metrics when set
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewRouter mounts every route under /api/v1 plus the health and metrics endpoints
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(opts.Metrics))
	r.Use(middleware.Tracing(opts.ServiceName))

	health := handlers.NewHealthHandler(opts.ServiceName, opts.Version, opts.Ready)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))
	}

	appointments := handlers.NewAppointmentHandler(opts.Service, opts.Service, opts.Inbox, logger)
	reminders := handlers.NewReminderHandler(opts.Service, opts.Inbox, logger)
	patients := handlers.NewPatientHandler(opts.Service, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/appointments", appointments.Routes())
		r.Mount("/reminders", reminders.Routes())
		r.Mount("/patients", patients.Routes())
	})
	return r
}
