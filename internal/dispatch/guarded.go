package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/pkg/circuitbreaker"
)

// GuardConfig configures a Guarded gateway
type GuardConfig struct {
	// Region is the default phone region for numbers without a country code
	Region string
	// Timeout bounds one provider call
	Timeout time.Duration
}

// DefaultGuardConfig returns US numbering and a ten second send timeout
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Region: "US", Timeout: 10 * time.Second}
}

// Guarded validates recipients and runs the wrapped gateway behind one circuit
// breaker per channel. Every error it returns is invalid_recipient or
// provider_unavailable.
type Guarded struct {
	next     Gateway
	breakers *circuitbreaker.Manager
	cfg      GuardConfig
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewGuarded wraps next
func NewGuarded(next Gateway, breakers *circuitbreaker.Manager, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	return &Guarded{
		next:     next,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracing.Tracer("dispatch"),
	}
}

// Send normalizes the recipient and performs a single guarded attempt.
func (g *Guarded) Send(ctx context.Context, msg Message) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "dispatch_send",
		trace.WithAttributes(
			tracing.Channel(string(msg.Channel)),
			attribute.String("message_id", msg.ID),
		))
	defer span.End()

	addr, err := NormalizeAddress(msg.Channel, msg.Recipient, g.cfg.Region)
	if err != nil {
		span.SetStatus(codes.Error, "invalid recipient")
		return Result{}, err
	}
	msg.Recipient = addr

	cb, err := g.breakers.Get(string(msg.Channel))
	if err != nil {
		return Result{}, ProviderUnavailable(string(msg.Channel), err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	out, err := cb.Execute(ctx, func() (interface{}, error) {
		return g.next.Send(ctx, msg)
	})
	if err != nil {
		tracing.Fail(span, err)
		return Result{}, g.classify(msg, err)
	}

	res, _ := out.(Result)
	span.SetAttributes(attribute.String("external_id", res.ExternalID))
	return res, nil
}

func (g *Guarded) classify(msg Message, err error) error {
	switch {
	case circuitbreaker.IsOpenError(err):
		g.logger.Warn("provider circuit open",
			zap.String("channel", string(msg.Channel)),
			zap.String("message_id", msg.ID))
		return ProviderUnavailable(string(msg.Channel), err)
	case errors.Is(err, apperr.ErrInvalidRecipient), errors.Is(err, apperr.ErrProviderUnavailable):
		return err
	default:
		return ProviderUnavailable(string(msg.Channel), err)
	}
}

// NewBreakers builds the per-channel breaker manager. Invalid recipients do not
// count against a provider, and state changes are exported to m.
func NewBreakers(m *metrics.Metrics, logger *zap.Logger) *circuitbreaker.Manager {
	cfg := circuitbreaker.DefaultConfig("dispatch")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, apperr.ErrInvalidRecipient)
	}
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		state := 0
		switch to {
		case circuitbreaker.StateOpen:
			state = 1
		case circuitbreaker.StateHalfOpen:
			state = 2
		}
		m.SetBreakerState(name, state)
	}
	return circuitbreaker.NewManager(cfg, logger)
}
