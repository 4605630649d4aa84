// Package app builds the components shared by the reminder binaries from one
// config.Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/config"
	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/infrastructure/cache"
	"github.com/careremind/reminder-engine/internal/infrastructure/memory"
	"github.com/careremind/reminder-engine/internal/infrastructure/postgres"
	"github.com/careremind/reminder-engine/internal/infrastructure/rabbitmq"
	"github.com/careremind/reminder-engine/internal/infrastructure/redpanda"
	"github.com/careremind/reminder-engine/internal/notify"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/pkg/circuitbreaker"
	"github.com/careremind/reminder-engine/pkg/idempotency"
)

// Version is reported by /health and the tracing resource
const Version = "1.0.0"

// Records is the record store as seen by the binaries
type Records interface {
	appointment.Repository
	patient.Reader
	reminder.TemplateReader
	UpsertPatient(ctx context.Context, p patient.Patient) error
	UpsertTemplate(ctx context.Context, t reminder.Template) error
	Ping(ctx context.Context) error
}

// App holds the wired components of one process
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Records  Records
	Ledger   reminder.Ledger
	Service  *notify.Service
	Inbox    *idempotency.Inbox
	Breakers *circuitbreaker.Manager
	// Pool is nil for the memory driver
	Pool *pgxpool.Pool

	tracer  *tracing.Provider
	tx      notify.UnitOfWork
	closers []func() error
}

// NewRegistry returns a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// InitTracing installs the tracer provider for service
func InitTracing(ctx context.Context, cfg *config.Config, service string) (*tracing.Provider, error) {
	tcfg := tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: service,
		Version:     Version,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  1,
	}
	return tracing.Init(ctx, tcfg)
}

// OpenPool connects to DATABASE_URL
func OpenPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// ProducerConfig returns the Redpanda producer settings for cfg
func ProducerConfig(cfg *config.Config) redpanda.ProducerConfig {
	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.Brokers()
	return pcfg
}

// SweeperConfig returns the due-reminder sweep settings for cfg
func SweeperConfig(cfg *config.Config) notify.SweeperConfig {
	scfg := notify.DefaultSweeperConfig()
	scfg.Interval = cfg.SweepInterval
	scfg.BatchSize = cfg.SweepBatchSize
	scfg.MaxAttempts = cfg.SweepMaxAttempts
	scfg.Pool.Workers = cfg.SweepWorkers
	return scfg
}

// OutboxConfig returns the relay settings for cfg
func OutboxConfig(cfg *config.Config) postgres.OutboxConfig {
	ocfg := postgres.DefaultOutboxConfig()
	if cfg.OutboxPollInterval > 0 {
		ocfg.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxMaxRetries > 0 {
		ocfg.MaxRetries = cfg.OutboxMaxRetries
	}
	if cfg.OutboxDeadLetterTopic != "" {
		ocfg.DeadLetterTopic = cfg.OutboxDeadLetterTopic
	}
	return ocfg
}

// New wires the store, the ledger, the dispatch transport and the orchestrator
func New(ctx context.Context, cfg *config.Config, service string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: NewRegistry(),
	}
	a.Metrics = metrics.New(a.Registry)

	tp, err := InitTracing(ctx, cfg, service)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	locker, inboxStore, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gw, err := a.openTransport()
	if err != nil {
		a.Close()
		return nil, err
	}

	var templates reminder.TemplateReader = a.Records
	if cfg.TemplateCacheSize > 0 {
		templates = cache.NewTemplates(a.Records, cfg.TemplateCacheSize, cfg.TemplateCacheTTL)
	}

	policy, err := cfg.Policy()
	if err != nil {
		a.Close()
		return nil, err
	}
	clinic, err := cfg.Clinic()
	if err != nil {
		a.Close()
		return nil, err
	}
	ncfg := notify.DefaultConfig()
	ncfg.Policy = policy
	ncfg.Clinic = clinic

	a.Breakers = dispatch.NewBreakers(a.Metrics, logger)
	guarded := dispatch.NewGuarded(gw, a.Breakers, dispatch.GuardConfig{
		Region:  cfg.DefaultPhoneRegion,
		Timeout: cfg.DispatchTimeout,
	}, logger)

	a.Service, err = notify.NewService(notify.Deps{
		Appointments: a.Records,
		Patients:     a.Records,
		Templates:    templates,
		Ledger:       a.Ledger,
		Gateway:      guarded,
		Locker:       locker,
		Tx:           a.tx,
		Metrics:      a.Metrics,
		Logger:       logger,
	}, ncfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Inbox = idempotency.NewInbox(inboxStore, idempotency.Config{
		DefaultTTL: cfg.IdempotencyTTL,
		IsTerminal: TerminalError,
	}, logger)
	a.closers = append(a.closers, func() error {
		a.Inbox.Stop()
		return nil
	})
	a.Inbox.StartCleanup()

	logger.Info("components wired",
		zap.String("store", cfg.StoreDriver),
		zap.String("transport", cfg.DispatchTransport),
		zap.Bool("reminders_enabled", policy.Enabled),
		zap.Int("offset_rules", len(policy.Offsets)))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (notify.Locker, idempotency.Store, error) {
	switch a.Config.StoreDriver {
	case config.DriverMemory:
		store := memory.NewStore()
		a.Records = store
		a.Ledger = memory.NewLedger()
		a.tx = memory.NewUnitOfWork()
		if err := Seed(ctx, store, a.Config.IsDev()); err != nil {
			return nil, nil, err
		}
		return memory.NewLocker(), idempotency.NewMemoryStore(), nil

	case config.DriverPostgres:
		pool, err := OpenPool(ctx, a.Config)
		if err != nil {
			return nil, nil, err
		}
		a.Pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		topics := postgres.DefaultTopics()
		a.Records = postgres.NewStore(pool, topics, a.Logger)
		a.Ledger = postgres.NewLedger(pool, topics, a.Logger)
		a.tx = postgres.NewUnitOfWork(pool)
		return postgres.NewLocker(pool, a.Logger), idempotency.NewPostgresStore(pool), nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", a.Config.StoreDriver)
}

func (a *App) openTransport() (dispatch.Gateway, error) {
	switch a.Config.DispatchTransport {
	case config.TransportRedpanda:
		producer, err := redpanda.NewProducer(ProducerConfig(a.Config), a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, producer.Close)
		return redpanda.NewGateway(producer, redpanda.TopicNotificationsOutbound, a.Logger), nil

	case config.TransportAMQP:
		gw, err := rabbitmq.NewGateway(rabbitmq.Config{
			URL:      a.Config.AMQPURL,
			Exchange: a.Config.AMQPExchange,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gw.Close)
		return gw, nil

	default:
		return dispatch.NewLogGateway(a.Logger), nil
	}
}

// Ready reports whether the record store answers
func (a *App) Ready(ctx context.Context) error {
	return a.Records.Ping(ctx)
}

// Close releases everything New opened, in reverse order
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}

// TerminalError reports whether a failed send must not be retried under the same
// idempotency key. Provider outages stay retryable.
func TerminalError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindInvalidRecipient,
		apperr.KindAppointmentClosed, apperr.KindInvalidTransition:
		return true
	}
	return false
}
