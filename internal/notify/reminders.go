package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/internal/template"
)

// AppointmentReminders is the ledger view of one appointment
type AppointmentReminders struct {
	AppointmentID string                        `json:"appointmentId"`
	Scheduled     []*reminder.ScheduledReminder `json:"scheduled"`
	Sent          []*reminder.SentReminder      `json:"sent"`
}

// SendReminderNow renders templateID for the appointment and dispatches it
// immediately, independent of any scheduled rows. An empty templateID uses the
// policy template; an empty channel resolves like a scheduled reminder.
//
// The SentReminder is recorded whatever the outcome. On a dispatch failure both the
// record and the error are returned.
func (s *Service) SendReminderNow(ctx context.Context, appointmentID, templateID, channel string) (*reminder.SentReminder, error) {
	const op = "notify.send_now"

	ctx, span := s.tracer.Start(ctx, "send_reminder_now",
		trace.WithAttributes(tracing.AppointmentID(appointmentID)))
	defer span.End()

	var ch reminder.Channel
	if channel != "" {
		var err error
		if ch, err = reminder.ParseChannel(channel); err != nil {
			return nil, err
		}
	}
	if templateID == "" {
		templateID = s.cfg.Policy.TemplateID
	}

	unlock, err := s.lock(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.openAppointment(ctx, op, appointmentID)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.GetPatient(ctx, a.PatientID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.Active {
		return nil, apperr.InvalidField(op, "templateId", "template is inactive")
	}

	data := template.AppointmentData(a, p, s.cfg.Clinic)
	sent, sendErr := s.send(ctx, delivery{
		appointment: a,
		templateID:  tpl.ID,
		target:      s.target(p, tpl, ch),
		subject:     template.Render(tpl.Subject, data),
		body:        template.Render(tpl.Body, data),
		trigger:     reminder.TriggerManual,
		attempt:     1,
	})
	if err := s.record(ctx, sent); err != nil {
		return sent, err
	}
	if sendErr != nil {
		tracing.Fail(span, sendErr)
	}
	return sent, sendErr
}

// ResendReminder dispatches the stored content of a previous SentReminder again,
// to the same recipient on the same channel.
func (s *Service) ResendReminder(ctx context.Context, sentReminderID string) (*reminder.SentReminder, error) {
	const op = "notify.resend"

	ctx, span := s.tracer.Start(ctx, "resend_reminder",
		trace.WithAttributes(tracing.SentReminderID(sentReminderID)))
	defer span.End()

	orig, err := s.ledger.GetSent(ctx, sentReminderID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, orig.AppointmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.openAppointment(ctx, op, orig.AppointmentID)
	if err != nil {
		return nil, err
	}

	sent, sendErr := s.send(ctx, delivery{
		appointment: a,
		templateID:  orig.TemplateID,
		target:      reminder.Target{Channel: orig.Channel, Recipient: orig.Recipient},
		subject:     orig.Subject,
		body:        orig.Content,
		trigger:     reminder.TriggerResend,
		resendOf:    orig.ID,
		attempt:     1,
	})
	if err := s.record(ctx, sent); err != nil {
		return sent, err
	}
	return sent, sendErr
}

// CancelReminder cancels one scheduled row. A row that already left scheduled is
// an invalid transition.
func (s *Service) CancelReminder(ctx context.Context, scheduledReminderID string) (*reminder.ScheduledReminder, error) {
	const op = "notify.cancel_reminder"

	row, err := s.ledger.GetScheduled(ctx, scheduledReminderID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, row.AppointmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out, err := s.ledger.TransitionScheduled(ctx, scheduledReminderID, reminder.Transition{
		To:     reminder.StatusCancelled,
		At:     s.now(),
		Reason: reminder.ReasonManual,
	})
	if errors.Is(err, reminder.ErrNotScheduled) {
		status := row.Status
		if out != nil {
			status = out.Status
		}
		return out, apperr.New(apperr.KindInvalidTransition, op, "reminder %s is already %s", scheduledReminderID, status)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveCancelled(reminder.ReasonManual, 1)
	s.logger.Info("reminder cancelled",
		zap.String("reminder_id", scheduledReminderID),
		zap.String("appointment_id", row.AppointmentID))
	return out, nil
}

// ListReminders returns the scheduled and sent rows of an appointment.
func (s *Service) ListReminders(ctx context.Context, appointmentID string) (*AppointmentReminders, error) {
	if _, err := s.appointments.Get(ctx, appointmentID); err != nil {
		return nil, err
	}
	scheduled, err := s.ledger.ListScheduled(ctx, reminder.ScheduledFilter{AppointmentID: appointmentID})
	if err != nil {
		return nil, err
	}
	sent, err := s.ledger.ListSent(ctx, reminder.SentFilter{AppointmentID: appointmentID})
	if err != nil {
		return nil, err
	}
	return &AppointmentReminders{AppointmentID: appointmentID, Scheduled: scheduled, Sent: sent}, nil
}

// ReminderStats returns ledger-wide counts.
func (s *Service) ReminderStats(ctx context.Context) (reminder.Stats, error) {
	return s.ledger.Stats(ctx)
}

// GetPatientVisitSummary returns the last completed and next upcoming visit.
func (s *Service) GetPatientVisitSummary(ctx context.Context, patientID string) (appointment.VisitSummary, error) {
	if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
		return appointment.VisitSummary{}, err
	}
	list, err := s.appointments.List(ctx, appointment.Filter{
		PatientID: patientID,
		Statuses:  []appointment.Status{appointment.StatusCompleted, appointment.StatusUpcoming},
	})
	if err != nil {
		return appointment.VisitSummary{}, err
	}
	return appointment.ComputeVisits(list, patientID, s.now()), nil
}

func (s *Service) openAppointment(ctx context.Context, op, id string) (appointment.Appointment, error) {
	agg, err := s.appointments.Get(ctx, id)
	if err != nil {
		return appointment.Appointment{}, err
	}
	a := agg.Snapshot()
	if a.Status.IsTerminal() {
		return a, apperr.New(apperr.KindAppointmentClosed, op, "appointment %s is %s", id, a.Status)
	}
	return a, nil
}

type delivery struct {
	appointment appointment.Appointment
	templateID  string
	target      reminder.Target
	subject     string
	body        string
	trigger     reminder.Trigger
	scheduledID string
	resendOf    string
	attempt     int
}

// send performs one gateway attempt and describes it as a SentReminder.
// A result without delivery confirmation is a provider_unavailable failure.
// Nothing is written to the ledger.
func (s *Service) send(ctx context.Context, d delivery) (*reminder.SentReminder, error) {
	id := uuid.New().String()
	start := time.Now()

	res, err := s.gateway.Send(ctx, dispatch.Message{
		ID:        id,
		Recipient: d.target.Recipient,
		Channel:   d.target.Channel,
		Subject:   d.subject,
		Body:      d.body,
		Metadata: map[string]string{
			"appointment_id": d.appointment.ID,
			"template_id":    d.templateID,
			"trigger":        string(d.trigger),
		},
	})

	if err == nil && !res.DeliveredOK {
		err = dispatch.ProviderUnavailable(string(d.target.Channel), dispatch.ErrNotDelivered)
	}

	sent := &reminder.SentReminder{
		ID:                  id,
		AppointmentID:       d.appointment.ID,
		PatientID:           d.appointment.PatientID,
		ScheduledReminderID: d.scheduledID,
		TemplateID:          d.templateID,
		Channel:             d.target.Channel,
		Recipient:           d.target.Recipient,
		Subject:             d.subject,
		Content:             d.body,
		SentAt:              s.now().UTC(),
		ExternalID:          res.ExternalID,
		DeliveredOK:         err == nil,
		Trigger:             d.trigger,
		ResendOf:            d.resendOf,
		Attempt:             d.attempt,
	}

	outcome := metrics.OutcomeDelivered
	switch {
	case errors.Is(err, apperr.ErrInvalidRecipient):
		outcome = metrics.OutcomeRejected
	case err != nil:
		outcome = metrics.OutcomeFailed
	}
	if err != nil {
		sent.Error = err.Error()
		sent.ErrorKind = string(apperr.KindOf(err))
	}
	s.metrics.ObserveDispatch(string(d.target.Channel), outcome, string(d.trigger), time.Since(start))

	fields := []zap.Field{
		zap.String("sent_reminder_id", id),
		zap.String("appointment_id", d.appointment.ID),
		zap.String("channel", string(d.target.Channel)),
		zap.String("recipient", dispatch.MaskAddress(d.target.Recipient)),
		zap.String("trigger", string(d.trigger)),
		zap.Int("attempt", d.attempt),
	}
	if err != nil {
		s.logger.Warn("reminder dispatch failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("reminder dispatched", append(fields, zap.String("external_id", res.ExternalID))...)
	}
	return sent, err
}

// record appends the SentReminder to the ledger even if ctx was cancelled
// after the provider call.
func (s *Service) record(ctx context.Context, sent *reminder.SentReminder) error {
	rctx, cancel := s.recordCtx(ctx)
	defer cancel()

	if err := s.ledger.InsertSent(rctx, sent); err != nil {
		s.logger.Error("failed to record dispatch attempt",
			zap.String("sent_reminder_id", sent.ID),
			zap.String("appointment_id", sent.AppointmentID),
			zap.Error(err))
		return err
	}
	return nil
}
