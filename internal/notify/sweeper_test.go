package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/notify"
	"github.com/careremind/reminder-engine/pkg/workerpool"
)

func newSweeper(t *testing.T, h *harness, maxAttempts int) *notify.Sweeper {
	t.Helper()
	cfg := notify.DefaultSweeperConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.Pool = workerpool.Config{Workers: 4, QueueSize: 16, RetryDelay: time.Millisecond}
	sw, err := notify.NewSweeper(h.svc, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(sw.Close)
	return sw
}

func patientWithoutPhone() patient.Patient {
	return patient.Patient{ID: "p-1", FirstName: "Ada", LastName: "Lovelace"}
}

func TestSweepOnce_DispatchesDueRows(t *testing.T) {
	h := newHarness(t, nil)
	a := h.schedule(t)
	sw := newSweeper(t, h, 3)

	report, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	h.clock.Set(at(t, "2025-03-09T14:00"))
	report, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Sent)

	sentRows := h.scheduled(t, a.ID, reminder.StatusSent)
	require.Len(t, sentRows, 1)
	assert.Equal(t, "day-before", sentRows[0].RuleID)

	audit := h.sent(t, a.ID)
	require.Len(t, audit, 1)
	assert.Equal(t, sentRows[0].SentReminderID, audit[0].ID)
	assert.Equal(t, sentRows[0].ID, audit[0].ScheduledReminderID)
	assert.Equal(t, reminder.TriggerScheduled, audit[0].Trigger)
	assert.Equal(t, 1, audit[0].Attempt)
	assert.Contains(t, audit[0].Content, "Ada Lovelace")

	report, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Len(t, h.rec.Sent(), 1)
}

func TestSweepOnce_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	a := h.schedule(t)
	sw := newSweeper(t, h, 3)
	h.rec.Fail(errors.New("timeout"))

	h.clock.Set(at(t, "2025-03-09T14:00"))
	report, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	rows := h.scheduled(t, a.ID, reminder.StatusSent)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)

	audit := h.sent(t, a.ID)
	require.Len(t, audit, 2)
	var failed, delivered int
	for _, s := range audit {
		if s.DeliveredOK {
			delivered++
			assert.Equal(t, 2, s.Attempt)
		} else {
			failed++
			assert.Equal(t, string(apperr.KindProviderUnavailable), s.ErrorKind)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, delivered)
}

func TestSweepOnce_FailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	a := h.schedule(t)
	sw := newSweeper(t, h, 2)
	h.rec.Fail(errors.New("timeout"), errors.New("timeout"))

	h.clock.Set(at(t, "2025-03-09T14:00"))
	report, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	rows := h.scheduled(t, a.ID, reminder.StatusFailed)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].LastError, "timeout")

	audit := h.sent(t, a.ID)
	require.Len(t, audit, 2)
	for _, s := range audit {
		assert.False(t, s.DeliveredOK)
	}
}

func TestSweepOnce_InvalidRecipientIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutPatient(patientWithoutPhone())
	a := h.schedule(t)
	sw := newSweeper(t, h, 3)

	h.clock.Set(at(t, "2025-03-09T14:00"))
	report, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	assert.Len(t, h.scheduled(t, a.ID, reminder.StatusFailed), 1)
	audit := h.sent(t, a.ID)
	require.Len(t, audit, 1)
	assert.Equal(t, string(apperr.KindInvalidRecipient), audit[0].ErrorKind)
	assert.Empty(t, h.rec.Sent())
}

func TestSweepOnce_CancelsRowsOfClosedAppointments(t *testing.T) {
	h := newHarness(t, nil)
	a := h.schedule(t)
	sw := newSweeper(t, h, 3)

	// close the appointment behind the orchestrator's back
	agg, err := h.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.NoError(t, agg.Transition(appointment.StatusNoShow, h.clock.Now()))
	require.NoError(t, h.store.Update(context.Background(), agg))

	h.clock.Set(at(t, "2025-03-09T14:00"))
	report, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	rows := h.scheduled(t, a.ID, reminder.StatusCancelled)
	require.Len(t, rows, 1)
	assert.Equal(t, reminder.ReasonClosed, rows[0].CancelReason)
	assert.Empty(t, h.rec.Sent())
	assert.Empty(t, h.sent(t, a.ID))
}

func TestSweepOnce_MarksDispatchCancelledMidFlight(t *testing.T) {
	h := newHarness(t, func(h *harness) dispatch.Gateway {
		return dispatch.GatewayFunc(func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
			// a writer that bypasses the appointment lock cancels the row mid-send
			_, err := h.ledger.CancelScheduled(ctx, msg.Metadata["appointment_id"], reminder.ReasonRescheduled, time.Now())
			if err != nil {
				return dispatch.Result{}, err
			}
			return h.rec.Send(ctx, msg)
		})
	})
	a := h.schedule(t)
	sw := newSweeper(t, h, 3)

	h.clock.Set(at(t, "2025-03-09T14:00"))
	report, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	audit := h.sent(t, a.ID)
	require.Len(t, audit, 1)
	assert.True(t, audit[0].DeliveredOK)
	assert.True(t, audit[0].CancelledDuringDispatch)
	assert.Empty(t, h.scheduled(t, a.ID, reminder.StatusSent))
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t, nil)
	h.schedule(t)
	cfg := notify.DefaultSweeperConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.Pool = workerpool.Config{Workers: 2, QueueSize: 8, RetryDelay: time.Millisecond}
	sw, err := notify.NewSweeper(h.svc, cfg, nil, nil)
	require.NoError(t, err)

	h.clock.Set(at(t, "2025-03-10T13:30"))
	sw.Start()
	assert.Eventually(t, func() bool { return len(h.rec.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	sw.Stop()
	assert.True(t, sw.Healthy())
}
