package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/config"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                "development",
		LogLevel:           "info",
		StoreDriver:        config.DriverMemory,
		DispatchTransport:  config.TransportLog,
		DispatchTimeout:    time.Second,
		ClinicName:         "Harbor Clinic",
		ClinicTimezone:     "UTC",
		DefaultPhoneRegion: "US",
		RemindersEnabled:   true,
		ReminderOffsets:    reminder.DefaultOffsets,
		ReminderTemplateID: reminder.CategoryAppointmentReminder,
		RescheduleAnchor:   string(reminder.AnchorCurrent),
		SweepInterval:      time.Second,
		SweepBatchSize:     10,
		SweepWorkers:       2,
		SweepMaxAttempts:   3,
		TemplateCacheSize:  16,
		TemplateCacheTTL:   time.Minute,
		IdempotencyTTL:     time.Hour,
	}
}

func TestNew_MemoryDriver(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), "reminder-test", nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ready(ctx))
	assert.Nil(t, a.Pool)

	day := time.Now().UTC().AddDate(0, 0, 10).Format(appointment.DateLayout)
	appt, err := a.Service.ScheduleAppointment(ctx, appointment.CreateInput{
		PatientID: "demo-patient-1", Date: day, Time: "09:30", Type: "Checkup",
	})
	require.NoError(t, err)

	view, err := a.Service.ListReminders(ctx, appt.ID)
	require.NoError(t, err)
	assert.Len(t, view.Scheduled, 3)

	sent, err := a.Service.SendReminderNow(ctx, appt.ID, "", "")
	require.NoError(t, err)
	assert.True(t, sent.DeliveredOK)
	assert.Contains(t, sent.Subject, "Harbor Clinic")
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"
	_, err := New(context.Background(), cfg, "reminder-test", nil)
	require.Error(t, err)
}

func TestSeed_SkipsDemoPatientsOutsideDevelopment(t *testing.T) {
	s := &seedRecorder{}
	require.NoError(t, Seed(context.Background(), s, false))
	assert.Len(t, s.templates, len(DefaultTemplates()))
	assert.Empty(t, s.patients)

	require.NoError(t, Seed(context.Background(), s, true))
	assert.Len(t, s.patients, len(DemoPatients()))
}

func TestTerminalError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{apperr.NotFound("op", "appointment", "a-1"), true},
		{apperr.New(apperr.KindAppointmentClosed, "op", "closed"), true},
		{apperr.New(apperr.KindInvalidRecipient, "op", "bad number"), true},
		{apperr.New(apperr.KindProviderUnavailable, "op", "down"), false},
		{apperr.New(apperr.KindConflict, "op", "busy"), false},
		{context.DeadlineExceeded, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TerminalError(tt.err), tt.err.Error())
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	cfg := memoryConfig()
	cfg.LogLevel = "loud"
	_, err := NewLogger(cfg, "reminder-test")
	require.Error(t, err)

	cfg.LogLevel = "warn"
	logger, err := NewLogger(cfg, "reminder-test")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
