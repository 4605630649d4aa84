package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/careremind/reminder-engine/internal/apperr"
)

// DefaultDurationMinutes is used when a create request omits the duration.
const DefaultDurationMinutes = 30

// Appointment is the persisted state of one appointment.
type Appointment struct {
	ID                  string    `json:"id"`
	PatientID           string    `json:"patientId"`
	ScheduledAt         time.Time `json:"scheduledAt"`
	OriginalScheduledAt time.Time `json:"originalScheduledAt"`
	DurationMinutes     int       `json:"durationMinutes"`
	Type                string    `json:"type"`
	Notes               string    `json:"notes,omitempty"`
	DoctorName          string    `json:"doctorName,omitempty"`
	RemindersEnabled    bool      `json:"remindersEnabled"`
	Status              Status    `json:"status"`
	Version             int       `json:"version"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// EndsAt returns the scheduled end of the appointment
func (a Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Aggregate is the only writer of appointment status.
type Aggregate struct {
	state         Appointment
	loadedVersion int
	changes       []*Event
}

// Load rehydrates an aggregate from its stored state
func Load(a Appointment) *Aggregate {
	return &Aggregate{state: a, loadedVersion: a.Version}
}

// Schedule creates a new appointment in upcoming status.
func Schedule(id string, in CreateInput, loc *time.Location, now time.Time) (*Aggregate, error) {
	const op = "appointment.schedule"

	if err := validateStruct(op, in); err != nil {
		return nil, err
	}
	at, err := parseSlot(op, in.Date, in.Time, loc)
	if err != nil {
		return nil, err
	}
	if !at.After(now) {
		return nil, apperr.InvalidField(op, "date", "appointment must be in the future")
	}

	duration := in.DurationMinutes
	if duration == 0 {
		duration = DefaultDurationMinutes
	}
	reminders := true
	if in.RemindersEnabled != nil {
		reminders = *in.RemindersEnabled
	}

	now = now.UTC()
	agg := &Aggregate{state: Appointment{
		ID:                  id,
		PatientID:           in.PatientID,
		ScheduledAt:         at,
		OriginalScheduledAt: at,
		DurationMinutes:     duration,
		Type:                strings.TrimSpace(in.Type),
		Notes:               in.Notes,
		DoctorName:          in.DoctorName,
		RemindersEnabled:    reminders,
		Status:              StatusUpcoming,
		CreatedAt:           now,
		UpdatedAt:           now,
	}}

	if err := agg.record(EventAppointmentScheduled, nil, now); err != nil {
		return nil, err
	}
	return agg, nil
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.state.ID }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.state.Status }

// Version returns the current version
func (a *Aggregate) Version() int { return a.state.Version }

// LoadedVersion returns the version the aggregate was loaded at, 0 for new aggregates.
func (a *Aggregate) LoadedVersion() int { return a.loadedVersion }

// Snapshot returns a copy of the current state
func (a *Aggregate) Snapshot() Appointment { return a.state }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() {
	a.changes = nil
	a.loadedVersion = a.state.Version
}

// Transition moves the appointment to next if the transition table allows it.
func (a *Aggregate) Transition(next Status, now time.Time) error {
	from := a.state.Status
	if !from.CanTransitionTo(next) {
		return apperr.New(apperr.KindInvalidTransition, "appointment.transition",
			"cannot move appointment from %s to %s", from, next)
	}

	a.state.Status = next
	return a.record(EventAppointmentStatusChanged, StatusChangedData{From: from, To: next}, now)
}

// Reschedule moves the appointment to a new slot and marks it rescheduled.
func (a *Aggregate) Reschedule(in RescheduleInput, loc *time.Location, now time.Time) error {
	const op = "appointment.reschedule"

	if !a.state.Status.CanTransitionTo(StatusRescheduled) {
		return apperr.New(apperr.KindInvalidTransition, op,
			"cannot reschedule a %s appointment", a.state.Status)
	}
	if err := validateStruct(op, in); err != nil {
		return err
	}
	at, err := parseSlot(op, in.Date, in.Time, loc)
	if err != nil {
		return err
	}
	if !at.After(now) {
		return apperr.InvalidField(op, "date", "new time must be in the future")
	}

	from := a.state.ScheduledAt
	a.state.ScheduledAt = at
	a.state.Status = StatusRescheduled
	return a.record(EventAppointmentRescheduled, RescheduledData{From: from, To: at}, now)
}

// Update applies field changes. A date or time change keeps the current status
// and is refused once the appointment is terminal.
func (a *Aggregate) Update(in UpdateInput, loc *time.Location, now time.Time) error {
	const op = "appointment.update"

	if err := validateStruct(op, in); err != nil {
		return err
	}

	var changed []string
	next := a.state

	if in.Date != nil || in.Time != nil {
		if a.state.Status.IsTerminal() {
			return apperr.New(apperr.KindInvalidTransition, op,
				"cannot change the time of a %s appointment", a.state.Status)
		}
		date, clock := a.localSlot(loc)
		if in.Date != nil {
			date = *in.Date
		}
		if in.Time != nil {
			clock = *in.Time
		}
		at, err := parseSlot(op, date, clock, loc)
		if err != nil {
			return err
		}
		if !at.Equal(a.state.ScheduledAt) {
			if !at.After(now) {
				return apperr.InvalidField(op, "date", "new time must be in the future")
			}
			next.ScheduledAt = at
			changed = append(changed, "scheduledAt")
		}
	}
	if in.Type != nil && strings.TrimSpace(*in.Type) != next.Type {
		next.Type = strings.TrimSpace(*in.Type)
		changed = append(changed, "type")
	}
	if in.Notes != nil && *in.Notes != next.Notes {
		next.Notes = *in.Notes
		changed = append(changed, "notes")
	}
	if in.DoctorName != nil && *in.DoctorName != next.DoctorName {
		next.DoctorName = *in.DoctorName
		changed = append(changed, "doctorName")
	}
	if in.DurationMinutes != nil && *in.DurationMinutes != next.DurationMinutes {
		next.DurationMinutes = *in.DurationMinutes
		changed = append(changed, "durationMinutes")
	}
	if in.RemindersEnabled != nil && *in.RemindersEnabled != next.RemindersEnabled {
		next.RemindersEnabled = *in.RemindersEnabled
		changed = append(changed, "remindersEnabled")
	}

	if len(changed) == 0 {
		return nil
	}

	a.state = next
	return a.record(EventAppointmentUpdated, UpdatedData{Changed: changed, After: next}, now)
}

// Delete records the removal of the appointment.
func (a *Aggregate) Delete(now time.Time) error {
	return a.record(EventAppointmentDeleted, DeletedData{Status: a.state.Status}, now)
}

func (a *Aggregate) localSlot(loc *time.Location) (string, string) {
	local := a.state.ScheduledAt.In(loc)
	return local.Format(DateLayout), local.Format(TimeLayout)
}

func (a *Aggregate) record(eventType EventType, data interface{}, now time.Time) error {
	now = now.UTC()
	a.state.Version++
	a.state.UpdatedAt = now

	if data == nil {
		data = ScheduledData{Appointment: a.state}
	}
	event, err := NewEvent(a.state.ID, eventType, data, now)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	event.Version = a.state.Version
	event.PatientID = a.state.PatientID
	a.changes = append(a.changes, event)
	return nil
}
