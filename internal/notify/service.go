// Package notify coordinates appointment mutations with the reminder ledger and
// the dispatch gateway. Every operation that touches one appointment runs under
// that appointment's lock.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/internal/template"
)

// Locker serializes work per key. The returned func releases the key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// UnitOfWork runs fn so that the record store and ledger writes made with the
// ctx it receives commit together or not at all.
type UnitOfWork interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config holds orchestrator settings
type Config struct {
	Policy reminder.Policy
	Clinic template.Clinic
	// DefaultChannel is used when neither policy, patient nor template names one
	DefaultChannel reminder.Channel
	// LockTimeout bounds the wait for an appointment lock
	LockTimeout time.Duration
	// RecordTimeout bounds ledger writes made after a provider call returned
	RecordTimeout time.Duration
}

// DefaultConfig returns the default policy (a week, a day and an hour before)
func DefaultConfig() Config {
	rules, _ := reminder.ParseOffsets(reminder.DefaultOffsets)
	return Config{
		Policy: reminder.Policy{
			Enabled:          true,
			Offsets:          rules,
			TemplateID:       "appointment-reminder",
			RescheduleAnchor: reminder.AnchorCurrent,
		},
		Clinic:         template.DefaultClinic(),
		DefaultChannel: reminder.ChannelSMS,
		LockTimeout:    15 * time.Second,
		RecordTimeout:  5 * time.Second,
	}
}

// Deps are the collaborators of a Service
type Deps struct {
	Appointments appointment.Repository
	Patients     patient.Reader
	Templates    reminder.TemplateReader
	Ledger       reminder.Ledger
	Gateway      dispatch.Gateway
	Locker       Locker
	Tx           UnitOfWork
	Clock        func() time.Time
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Service is the notification orchestrator
type Service struct {
	appointments appointment.Repository
	patients     patient.Reader
	templates    reminder.TemplateReader
	ledger       reminder.Ledger
	scheduler    *reminder.Scheduler
	gateway      dispatch.Gateway
	locks        Locker
	tx           UnitOfWork
	cfg          Config
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewService wires a Service
func NewService(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Appointments == nil:
		return nil, errors.New("appointment repository is required")
	case deps.Patients == nil:
		return nil, errors.New("patient reader is required")
	case deps.Templates == nil:
		return nil, errors.New("template reader is required")
	case deps.Ledger == nil:
		return nil, errors.New("reminder ledger is required")
	case deps.Gateway == nil:
		return nil, errors.New("dispatch gateway is required")
	case deps.Locker == nil:
		return nil, errors.New("locker is required")
	case deps.Tx == nil:
		return nil, errors.New("unit of work is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reminder policy: %w", err)
	}
	if cfg.Clinic.Location == nil {
		cfg.Clinic.Location = time.UTC
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = reminder.ChannelSMS
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultConfig().RecordTimeout
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Service{
		appointments: deps.Appointments,
		patients:     deps.Patients,
		templates:    deps.Templates,
		ledger:       deps.Ledger,
		scheduler:    reminder.NewScheduler(deps.Ledger, deps.Clock, deps.Logger),
		gateway:      deps.Gateway,
		locks:        deps.Locker,
		tx:           deps.Tx,
		cfg:          cfg,
		now:          deps.Clock,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		tracer:       tracing.Tracer("notify"),
	}, nil
}

// Policy returns the reminder policy in force
func (s *Service) Policy() reminder.Policy {
	return s.cfg.Policy
}

func (s *Service) lock(ctx context.Context, appointmentID string) (func(), error) {
	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(lctx, "appointment:"+appointmentID)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.KindConflict, "appointment.lock", err, "appointment %s is busy", appointmentID)
	}
	return unlock, nil
}

// recordCtx detaches ledger writes that follow a provider call from the caller's
// cancellation, so an attempt that reached the provider is always recorded.
func (s *Service) recordCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RecordTimeout)
}

type correlationKey struct{}

// WithCorrelationID attaches a request id that is stamped on appointment events
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlate(ctx context.Context, agg *appointment.Aggregate) {
	id, _ := ctx.Value(correlationKey{}).(string)
	if id == "" {
		return
	}
	for _, e := range agg.Changes() {
		e.WithCorrelation(id)
	}
}
