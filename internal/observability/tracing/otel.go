// Package tracing provides OpenTelemetry tracing configuration and the span
// helpers shared by the reminder engine.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopePrefix prefixes every instrumentation scope opened through Tracer.
const ScopePrefix = "github.com/careremind/reminder-engine/"

// Span attribute keys used across components.
const (
	KeyAppointmentID  = attribute.Key("appointment.id")
	KeyReminderID     = attribute.Key("reminder.id")
	KeySentReminderID = attribute.Key("reminder.sent_id")
	KeyChannel        = attribute.Key("reminder.channel")
	KeyTrigger        = attribute.Key("reminder.trigger")
)

// Config holds tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	Environment string
	Endpoint    string
	// SampleRate below 1 samples root spans by trace id and follows the parent otherwise.
	SampleRate float64
}

// Provider owns the SDK tracer provider, nil when tracing is disabled.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs the W3C propagators and, when enabled, an OTLP/gRPC batch
// exporter as the global tracer provider. Propagators are installed either
// way so trace context still crosses Redpanda headers and HTTP calls.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled without an OTLP endpoint")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p != nil && p.tp != nil }

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the global tracer for one engine component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(ScopePrefix + component)
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AppointmentID tags a span with the appointment it acts on.
func AppointmentID(id string) attribute.KeyValue { return KeyAppointmentID.String(id) }

// ReminderID tags a span with a scheduled reminder row.
func ReminderID(id string) attribute.KeyValue { return KeyReminderID.String(id) }

// SentReminderID tags a span with a sent reminder row.
func SentReminderID(id string) attribute.KeyValue { return KeySentReminderID.String(id) }

// Channel tags a span with the delivery channel.
func Channel(ch string) attribute.KeyValue { return KeyChannel.String(ch) }
