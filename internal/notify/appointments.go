package notify

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
)

// ScheduleAppointment creates an appointment and schedules its reminders.
//
// The patient and every policy template are resolved before anything is written.
// The appointment and its reminder rows are stored in one unit of work; when any
// write fails nothing is kept.
func (s *Service) ScheduleAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "schedule_appointment")
	defer span.End()

	agg, err := appointment.Schedule(uuid.New().String(), in, s.cfg.Clinic.Location, s.now())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.AppointmentID(agg.ID()))

	p, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	policy, hint, err := s.schedulingPolicy(ctx)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, agg.ID())
	if err != nil {
		return nil, err
	}
	defer unlock()

	target := s.target(p, hint, "")
	var (
		a       appointment.Appointment
		created []*reminder.ScheduledReminder
	)
	correlate(ctx, agg)
	err = s.tx.Atomically(ctx, func(ctx context.Context) error {
		if err := s.appointments.Create(ctx, agg); err != nil {
			return err
		}
		a = agg.Snapshot()
		var err error
		created, err = s.scheduler.OnAppointmentCreated(ctx, a, policy, target)
		return err
	})
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	s.metrics.ObserveScheduled(string(target.Channel), len(created))

	s.logger.Info("appointment scheduled",
		zap.String("appointment_id", a.ID),
		zap.Time("scheduled_at", a.ScheduledAt),
		zap.Int("reminders", len(created)))
	return &a, nil
}

// UpdateAppointment applies field changes and recomputes reminders when the time
// moved or reminders were switched off.
func (s *Service) UpdateAppointment(ctx context.Context, id string, in appointment.UpdateInput) (*appointment.Appointment, error) {
	return s.mutate(ctx, "update_appointment", id, func(agg *appointment.Aggregate) error {
		return agg.Update(in, s.cfg.Clinic.Location, s.now())
	})
}

// UpdateAppointmentStatus moves the appointment to status. Terminal statuses
// cancel every pending reminder.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, id, status string) (*appointment.Appointment, error) {
	next, err := appointment.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, "update_appointment_status", id, func(agg *appointment.Aggregate) error {
		return agg.Transition(next, s.now())
	})
}

// RescheduleAppointment moves the appointment to a new slot, tags it rescheduled
// and replaces its pending reminders.
func (s *Service) RescheduleAppointment(ctx context.Context, id string, in appointment.RescheduleInput) (*appointment.Appointment, error) {
	return s.mutate(ctx, "reschedule_appointment", id, func(agg *appointment.Aggregate) error {
		return agg.Reschedule(in, s.cfg.Clinic.Location, s.now())
	})
}

// DeleteAppointment cancels pending reminders and then removes the appointment.
func (s *Service) DeleteAppointment(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "delete_appointment",
		trace.WithAttributes(tracing.AppointmentID(id)))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	agg, err := s.appointments.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := agg.Delete(s.now()); err != nil {
		return err
	}
	var cancelled []*reminder.ScheduledReminder
	correlate(ctx, agg)
	err = s.tx.Atomically(ctx, func(ctx context.Context) error {
		var err error
		if cancelled, err = s.scheduler.OnAppointmentDeleted(ctx, id); err != nil {
			return err
		}
		return s.appointments.Delete(ctx, agg)
	})
	if err != nil {
		tracing.Fail(span, err)
		return err
	}
	s.metrics.ObserveCancelled(reminder.ReasonDeleted, len(cancelled))

	s.logger.Info("appointment deleted",
		zap.String("appointment_id", id),
		zap.Int("reminders_cancelled", len(cancelled)))
	return nil
}

// Reconcile brings the scheduled rows of an appointment in line with the policy.
// It is idempotent and safe to call at any time.
func (s *Service) Reconcile(ctx context.Context, id string) ([]*reminder.ScheduledReminder, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agg, err := s.appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a := agg.Snapshot()
	p, err := s.patients.GetPatient(ctx, a.PatientID)
	if err != nil {
		return nil, err
	}
	policy, hint, err := s.schedulingPolicy(ctx)
	if err != nil {
		return nil, err
	}
	target := s.target(p, hint, "")
	var created []*reminder.ScheduledReminder
	err = s.tx.Atomically(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.scheduler.OnAppointmentCreated(ctx, a, policy, target)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveScheduled(string(target.Channel), len(created))
	return created, nil
}

// mutate runs one aggregate command under the appointment lock. The result, its
// events and the reminders recomputed from the before and after states are
// written in one unit of work.
func (s *Service) mutate(ctx context.Context, op, id string, apply func(*appointment.Aggregate) error) (*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(tracing.AppointmentID(id)))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agg, err := s.appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := agg.Snapshot()

	if err := apply(agg); err != nil {
		return nil, err
	}
	if len(agg.Changes()) == 0 {
		return &before, nil
	}
	after := agg.Snapshot()

	// Only recompute when the reminder inputs can have changed.
	var (
		p      *patient.Patient
		policy reminder.Policy
		hint   *reminder.Template
	)
	if after.RemindersEnabled && !after.Status.IsTerminal() {
		if p, err = s.patients.GetPatient(ctx, after.PatientID); err != nil {
			return nil, err
		}
		if policy, hint, err = s.schedulingPolicy(ctx); err != nil {
			return nil, err
		}
	}

	target := s.target(p, hint, "")
	var change reminder.Change
	correlate(ctx, agg)
	err = s.tx.Atomically(ctx, func(ctx context.Context) error {
		if err := s.appointments.Update(ctx, agg); err != nil {
			return err
		}
		var err error
		change, err = s.scheduler.OnAppointmentChanged(ctx, before, after, policy, target)
		return err
	})
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	if len(change.Cancelled) > 0 {
		s.metrics.ObserveCancelled(change.Cancelled[0].CancelReason, len(change.Cancelled))
	}
	s.metrics.ObserveScheduled(string(target.Channel), len(change.Created))

	s.logger.Info("appointment changed",
		zap.String("appointment_id", id),
		zap.String("op", op),
		zap.String("status", string(after.Status)),
		zap.Int("reminders_cancelled", len(change.Cancelled)),
		zap.Int("reminders_created", len(change.Created)))
	return &after, nil
}

// schedulingPolicy resolves every template the policy references. A missing
// template aborts the caller; an inactive one disables its rule.
func (s *Service) schedulingPolicy(ctx context.Context) (reminder.Policy, *reminder.Template, error) {
	policy := s.cfg.Policy
	if !policy.Enabled {
		return policy, nil, nil
	}

	rules := make([]reminder.OffsetRule, len(policy.Offsets))
	copy(rules, policy.Offsets)

	var hint *reminder.Template
	for i, r := range rules {
		if !r.Enabled {
			continue
		}
		tpl, err := s.templates.GetTemplate(ctx, policy.TemplateFor(r))
		if err != nil {
			return policy, nil, err
		}
		if !tpl.Active {
			s.logger.Warn("reminder template inactive, rule skipped",
				zap.String("template_id", tpl.ID),
				zap.String("rule_id", r.ID))
			rules[i].Enabled = false
			continue
		}
		if hint == nil {
			hint = tpl
		}
	}
	policy.Offsets = rules
	return policy, hint, nil
}

// target picks the channel and the patient's address for it. Precedence is the
// explicit channel, the policy, the patient preference, the template hint and
// finally the configured default.
func (s *Service) target(p *patient.Patient, tpl *reminder.Template, explicit reminder.Channel) reminder.Target {
	ch := explicit
	if ch == "" {
		ch = s.cfg.Policy.Channel
	}
	if ch == "" && p != nil && p.PreferredChannel != "" {
		if c, err := reminder.ParseChannel(p.PreferredChannel); err == nil {
			ch = c
		}
	}
	if ch == "" && tpl != nil {
		ch = tpl.Channel
	}
	if ch == "" {
		ch = s.cfg.DefaultChannel
	}

	t := reminder.Target{Channel: ch}
	if p != nil {
		t.Recipient = p.AddressFor(string(ch))
	}
	return t
}
