package notify

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/internal/template"
)

// Outcome is what happened to one due reminder
type Outcome string

const (
	// OutcomeSent means the provider accepted the reminder
	OutcomeSent Outcome = "sent"
	// OutcomeFailed means the row moved to failed
	OutcomeFailed Outcome = "failed"
	// OutcomeRetry means the attempt failed transiently and the row is still scheduled
	OutcomeRetry Outcome = "retry"
	// OutcomeCancelled means the appointment no longer wants the reminder
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSkipped means the row was not due or no longer scheduled
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeferred means a store error left the row for the next sweep
	OutcomeDeferred Outcome = "deferred"
)

// DueReminders returns up to limit scheduled rows whose send time has passed,
// oldest first.
func (s *Service) DueReminders(ctx context.Context, limit int) ([]*reminder.ScheduledReminder, error) {
	return s.scheduler.Due(ctx, limit)
}

// DispatchDue sends one due scheduled reminder under its appointment lock.
// maxAttempts bounds the provider attempts a row gets across all sweeps; every
// attempt leaves a SentReminder.
func (s *Service) DispatchDue(ctx context.Context, id string, maxAttempts int) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch_due",
		trace.WithAttributes(tracing.ReminderID(id)))
	defer span.End()

	row, err := s.ledger.GetScheduled(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return OutcomeSkipped, nil
		}
		return OutcomeDeferred, err
	}
	if row.Status != reminder.StatusScheduled {
		return OutcomeSkipped, nil
	}

	unlock, err := s.lock(ctx, row.AppointmentID)
	if err != nil {
		return OutcomeDeferred, err
	}
	defer unlock()

	// Re-read under the lock; a reschedule may have won the race.
	if row, err = s.ledger.GetScheduled(ctx, id); err != nil {
		return OutcomeDeferred, err
	}
	if row.Status != reminder.StatusScheduled || row.ScheduledFor.After(s.now()) {
		return OutcomeSkipped, nil
	}
	span.SetAttributes(tracing.AppointmentID(row.AppointmentID))

	agg, err := s.appointments.Get(ctx, row.AppointmentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return s.closeRow(ctx, row, reminder.StatusCancelled, reminder.ReasonDeleted, "")
	}
	if err != nil {
		return OutcomeDeferred, err
	}
	a := agg.Snapshot()
	switch {
	case a.Status.IsTerminal():
		return s.closeRow(ctx, row, reminder.StatusCancelled, reminder.ReasonClosed, "")
	case !a.RemindersEnabled:
		return s.closeRow(ctx, row, reminder.StatusCancelled, reminder.ReasonDisabled, "")
	}

	p, err := s.patients.GetPatient(ctx, row.PatientID)
	if errors.Is(err, apperr.ErrNotFound) {
		return s.closeRow(ctx, row, reminder.StatusFailed, "", err.Error())
	}
	if err != nil {
		return OutcomeDeferred, err
	}
	// Inactive templates still serve rows that already reference them.
	tpl, err := s.templates.GetTemplate(ctx, row.TemplateID)
	if errors.Is(err, apperr.ErrNotFound) {
		return s.closeRow(ctx, row, reminder.StatusFailed, "", err.Error())
	}
	if err != nil {
		return OutcomeDeferred, err
	}

	attempt := row.Attempts + 1
	data := template.AppointmentData(a, p, s.cfg.Clinic)
	sent, sendErr := s.send(ctx, delivery{
		appointment: a,
		templateID:  row.TemplateID,
		target:      reminder.Target{Channel: row.Channel, Recipient: row.Recipient},
		subject:     template.Render(tpl.Subject, data),
		body:        template.Render(tpl.Body, data),
		trigger:     reminder.TriggerScheduled,
		scheduledID: row.ID,
		attempt:     attempt,
	})

	// Scheduled rows only change under the appointment lock held here, so the
	// state read now is the state the transition below will see.
	cur, err := s.ledger.GetScheduled(ctx, row.ID)
	if err == nil && cur.Status != reminder.StatusScheduled {
		sent.CancelledDuringDispatch = true
	}

	// The attempt is recorded before the row moves; a row never points at a
	// SentReminder that was not written, and a failed write leaves it scheduled.
	if err := s.record(ctx, sent); err != nil {
		return OutcomeDeferred, fmt.Errorf("failed to record dispatch of reminder %s: %w", row.ID, err)
	}
	if sent.CancelledDuringDispatch {
		s.logger.Warn("reminder cancelled during dispatch",
			zap.String("reminder_id", row.ID),
			zap.String("sent_reminder_id", sent.ID))
		return OutcomeCancelled, nil
	}

	now := s.now()
	outcome := OutcomeSent
	var ledgerErr error
	switch {
	case sendErr == nil:
		_, ledgerErr = s.ledger.TransitionScheduled(ctx, row.ID, reminder.Transition{
			To: reminder.StatusSent, At: now, SentReminderID: sent.ID,
		})
	case errors.Is(sendErr, apperr.ErrProviderUnavailable) && attempt < maxAttempts:
		outcome = OutcomeRetry
		ledgerErr = s.ledger.RecordAttempt(ctx, row.ID, sendErr.Error(), now)
	default:
		outcome = OutcomeFailed
		_, ledgerErr = s.ledger.TransitionScheduled(ctx, row.ID, reminder.Transition{
			To: reminder.StatusFailed, At: now, SentReminderID: sent.ID, LastError: sendErr.Error(),
		})
	}
	if errors.Is(ledgerErr, reminder.ErrNotScheduled) {
		return OutcomeCancelled, nil
	}
	if ledgerErr != nil {
		return OutcomeDeferred, fmt.Errorf("failed to update reminder %s after dispatch: %w", row.ID, ledgerErr)
	}
	if outcome == OutcomeSent {
		return outcome, nil
	}
	return outcome, sendErr
}

// closeRow moves a due row out of scheduled without contacting a provider.
func (s *Service) closeRow(ctx context.Context, row *reminder.ScheduledReminder, to reminder.Status, reason, lastError string) (Outcome, error) {
	_, err := s.ledger.TransitionScheduled(ctx, row.ID, reminder.Transition{
		To: to, At: s.now(), Reason: reason, LastError: lastError,
	})
	if errors.Is(err, reminder.ErrNotScheduled) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeDeferred, err
	}

	s.logger.Info("due reminder closed without dispatch",
		zap.String("reminder_id", row.ID),
		zap.String("appointment_id", row.AppointmentID),
		zap.String("status", string(to)),
		zap.String("reason", reason),
		zap.String("last_error", lastError))

	if to == reminder.StatusCancelled {
		s.metrics.ObserveCancelled(reason, 1)
		return OutcomeCancelled, nil
	}
	return OutcomeFailed, nil
}
