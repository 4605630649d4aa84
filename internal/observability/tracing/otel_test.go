package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "reminder-api"})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledNeedsEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, ServiceName: "reminder-api"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()

	_, bad := tp.Tracer("test").Start(context.Background(), "bad")
	bad.SetAttributes(AppointmentID("appt-1"), Channel("sms"))
	Fail(bad, errors.New("provider down"))
	bad.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "provider down", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
	assert.Contains(t, spans[1].Attributes(), KeyAppointmentID.String("appt-1"))
}
