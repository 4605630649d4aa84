package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/domain/appointment"
)

// Target is where the reminders of one appointment go.
type Target struct {
	Channel   Channel
	Recipient string
}

// Planned is a computed send time for one offset rule.
type Planned struct {
	Rule         OffsetRule
	ScheduledFor time.Time
}

// Change reports what a recomputation did to the ledger.
type Change struct {
	Cancelled []*ScheduledReminder
	Created   []*ScheduledReminder
}

// Scheduler computes send times and keeps scheduled rows in step with an appointment.
// Callers serialize calls per appointment.
type Scheduler struct {
	ledger Ledger
	now    func() time.Time
	logger *zap.Logger
}

// NewScheduler creates a scheduler over ledger. A nil clock uses time.Now.
func NewScheduler(ledger Ledger, now func() time.Time, logger *zap.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{ledger: ledger, now: now, logger: logger}
}

// Plan returns the enabled rules whose send time is still after now.
func Plan(a appointment.Appointment, policy Policy, now time.Time) []Planned {
	if !policy.Enabled {
		return nil
	}
	anchor := policy.AnchorFor(a, now)
	var out []Planned
	for _, rule := range policy.Offsets {
		if !rule.Enabled {
			continue
		}
		at := anchor.Add(rule.Delta)
		if !at.After(now) {
			continue
		}
		out = append(out, Planned{Rule: rule, ScheduledFor: at.UTC()})
	}
	return out
}

// OnAppointmentCreated creates one scheduled row per planned rule. Rules that already
// have a matching scheduled row are left alone, so repeated calls are idempotent.
func (s *Scheduler) OnAppointmentCreated(ctx context.Context, a appointment.Appointment, policy Policy, target Target) ([]*ScheduledReminder, error) {
	if a.Status.IsTerminal() || !a.RemindersEnabled {
		return nil, nil
	}
	now := s.now()
	plan := Plan(a, policy, now)
	if len(plan) == 0 {
		return nil, nil
	}

	existing, err := s.activeByRule(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	var created []*ScheduledReminder
	for _, p := range plan {
		templateID := policy.TemplateFor(p.Rule)
		if cur, ok := existing[p.Rule.ID]; ok {
			if cur.ScheduledFor.Equal(p.ScheduledFor) && cur.TemplateID == templateID && cur.Channel == target.Channel {
				continue
			}
			if _, err := s.ledger.TransitionScheduled(ctx, cur.ID, Transition{
				To: StatusCancelled, At: now, Reason: ReasonSuperseded,
			}); err != nil && !errors.Is(err, ErrNotScheduled) {
				return created, fmt.Errorf("failed to supersede reminder %s: %w", cur.ID, err)
			}
		}

		row := &ScheduledReminder{
			ID:            uuid.New().String(),
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			RuleID:        p.Rule.ID,
			TemplateID:    templateID,
			Channel:       target.Channel,
			Recipient:     target.Recipient,
			ScheduledFor:  p.ScheduledFor,
			Status:        StatusScheduled,
			CreatedAt:     now.UTC(),
			UpdatedAt:     now.UTC(),
		}
		if err := s.ledger.InsertScheduled(ctx, row); err != nil {
			if errors.Is(err, ErrDuplicateActive) {
				s.logger.Debug("reminder already scheduled",
					zap.String("appointment_id", a.ID),
					zap.String("rule_id", p.Rule.ID))
				continue
			}
			return created, fmt.Errorf("failed to schedule rule %s: %w", p.Rule.ID, err)
		}
		created = append(created, row)
	}

	if len(created) > 0 {
		s.logger.Info("reminders scheduled",
			zap.String("appointment_id", a.ID),
			zap.Int("count", len(created)))
	}
	return created, nil
}

// OnAppointmentChanged cancels every scheduled row when the time moved, the
// appointment became terminal or reminders were switched off, and then schedules
// fresh rows if the appointment is still eligible. The cancellation is durable
// before the first new row is inserted.
func (s *Scheduler) OnAppointmentChanged(ctx context.Context, before, after appointment.Appointment, policy Policy, target Target) (Change, error) {
	var change Change

	reason := cancelReason(before, after)
	if reason != "" {
		cancelled, err := s.ledger.CancelScheduled(ctx, after.ID, reason, s.now())
		if err != nil {
			return change, fmt.Errorf("failed to cancel reminders: %w", err)
		}
		change.Cancelled = cancelled
		if len(cancelled) > 0 {
			s.logger.Info("reminders cancelled",
				zap.String("appointment_id", after.ID),
				zap.String("reason", reason),
				zap.Int("count", len(cancelled)))
		}
	}

	created, err := s.OnAppointmentCreated(ctx, after, policy, target)
	change.Created = created
	return change, err
}

// OnAppointmentDeleted cancels every scheduled row of the appointment.
func (s *Scheduler) OnAppointmentDeleted(ctx context.Context, appointmentID string) ([]*ScheduledReminder, error) {
	cancelled, err := s.ledger.CancelScheduled(ctx, appointmentID, ReasonDeleted, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel reminders: %w", err)
	}
	return cancelled, nil
}

// Due returns up to limit scheduled rows whose send time is not after now.
func (s *Scheduler) Due(ctx context.Context, limit int) ([]*ScheduledReminder, error) {
	return s.ledger.ListScheduled(ctx, ScheduledFilter{
		Statuses:  []Status{StatusScheduled},
		DueBefore: s.now(),
		Limit:     limit,
	})
}

func (s *Scheduler) activeByRule(ctx context.Context, appointmentID string) (map[string]*ScheduledReminder, error) {
	rows, err := s.ledger.ListScheduled(ctx, ScheduledFilter{
		AppointmentID: appointmentID,
		Statuses:      []Status{StatusScheduled},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	byRule := make(map[string]*ScheduledReminder, len(rows))
	for _, r := range rows {
		byRule[r.RuleID] = r
	}
	return byRule, nil
}

func cancelReason(before, after appointment.Appointment) string {
	switch {
	case after.Status.IsTerminal():
		return ReasonClosed
	case before.RemindersEnabled && !after.RemindersEnabled:
		return ReasonDisabled
	case !before.ScheduledAt.Equal(after.ScheduledAt):
		return ReasonRescheduled
	}
	return ""
}
