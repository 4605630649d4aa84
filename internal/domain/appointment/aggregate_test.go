package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/apperr"
)

var testNow = time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)

func validInput() CreateInput {
	return CreateInput{
		PatientID: "p-1",
		Date:      "2025-03-10",
		Time:      "14:00",
		Type:      "Follow-up",
	}
}

func scheduled(t *testing.T) *Aggregate {
	t.Helper()
	agg, err := Schedule("a-1", validInput(), time.UTC, testNow)
	require.NoError(t, err)
	agg.ClearChanges()
	return agg
}

func TestSchedule_CreatesUpcoming(t *testing.T) {
	agg, err := Schedule("a-1", validInput(), time.UTC, testNow)
	require.NoError(t, err)

	a := agg.Snapshot()
	assert.Equal(t, StatusUpcoming, a.Status)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), a.ScheduledAt)
	assert.Equal(t, a.ScheduledAt, a.OriginalScheduledAt)
	assert.Equal(t, DefaultDurationMinutes, a.DurationMinutes)
	assert.True(t, a.RemindersEnabled)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, 0, agg.LoadedVersion())

	require.Len(t, agg.Changes(), 1)
	assert.Equal(t, EventAppointmentScheduled, agg.Changes()[0].EventType)
	assert.Equal(t, "p-1", agg.Changes()[0].PatientID)
}

func TestSchedule_InterpretsSlotInClinicTimezone(t *testing.T) {
	loc := time.FixedZone("clinic", -5*60*60)
	agg, err := Schedule("a-1", validInput(), loc, testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 19, 0, 0, 0, time.UTC), agg.Snapshot().ScheduledAt)
}

func TestSchedule_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateInput)
		field  string
	}{
		{"missing patient", func(in *CreateInput) { in.PatientID = "" }, "patientId"},
		{"missing date", func(in *CreateInput) { in.Date = "" }, "date"},
		{"missing time", func(in *CreateInput) { in.Time = "" }, "time"},
		{"missing type", func(in *CreateInput) { in.Type = "" }, "type"},
		{"malformed time", func(in *CreateInput) { in.Time = "2pm" }, "time"},
		{"in the past", func(in *CreateInput) { in.Date = "2025-03-08" }, "date"},
		{"too short", func(in *CreateInput) { in.DurationMinutes = 1 }, "durationMinutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := Schedule("a-1", in, time.UTC, testNow)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, apperr.FieldsOf(err), tt.field)
		})
	}
}

func TestTransition_FromUpcoming(t *testing.T) {
	for _, next := range []Status{StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled} {
		t.Run(string(next), func(t *testing.T) {
			agg := scheduled(t)
			require.NoError(t, agg.Transition(next, testNow))
			assert.Equal(t, next, agg.Status())
			assert.Equal(t, 2, agg.Version())
			require.Len(t, agg.Changes(), 1)
			assert.Equal(t, EventAppointmentStatusChanged, agg.Changes()[0].EventType)
		})
	}
}

func TestTransition_TerminalStatesAcceptNothing(t *testing.T) {
	all := []Status{StatusUpcoming, StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled}
	for _, terminal := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		for _, next := range all {
			agg := Load(Appointment{ID: "a-1", Status: terminal, Version: 3})
			err := agg.Transition(next, testNow)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "%s -> %s", terminal, next)
			assert.Empty(t, agg.Changes())
			assert.Equal(t, 3, agg.Version())
		}
	}
}

func TestTransition_UpcomingToUpcomingRejected(t *testing.T) {
	agg := scheduled(t)
	assert.ErrorIs(t, agg.Transition(StatusUpcoming, testNow), apperr.ErrInvalidTransition)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("no-show")
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, s)

	_, err = ParseStatus("archived")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestReschedule(t *testing.T) {
	agg := scheduled(t)

	err := agg.Reschedule(RescheduleInput{Date: "2025-03-12", Time: "09:00"}, time.UTC, testNow)
	require.NoError(t, err)

	a := agg.Snapshot()
	assert.Equal(t, StatusRescheduled, a.Status)
	assert.Equal(t, time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC), a.ScheduledAt)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), a.OriginalScheduledAt)
	require.Len(t, agg.Changes(), 1)
	assert.Equal(t, EventAppointmentRescheduled, agg.Changes()[0].EventType)
}

func TestReschedule_Rejections(t *testing.T) {
	agg := scheduled(t)
	err := agg.Reschedule(RescheduleInput{Date: "2025-03-01", Time: "09:00"}, time.UTC, testNow)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	done := Load(Appointment{ID: "a-2", Status: StatusCompleted})
	err = done.Reschedule(RescheduleInput{Date: "2025-03-12", Time: "09:00"}, time.UTC, testNow)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestUpdate_TracksChangedFields(t *testing.T) {
	agg := scheduled(t)
	notes := "bring x-rays"
	clock := "15:30"

	require.NoError(t, agg.Update(UpdateInput{Notes: &notes, Time: &clock}, time.UTC, testNow))

	a := agg.Snapshot()
	assert.Equal(t, "bring x-rays", a.Notes)
	assert.Equal(t, time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC), a.ScheduledAt)
	assert.Equal(t, StatusUpcoming, a.Status)
	require.Len(t, agg.Changes(), 1)
	assert.Equal(t, EventAppointmentUpdated, agg.Changes()[0].EventType)
}

func TestUpdate_NoopEmitsNothing(t *testing.T) {
	agg := scheduled(t)
	same := "Follow-up"
	require.NoError(t, agg.Update(UpdateInput{Type: &same}, time.UTC, testNow))
	assert.Empty(t, agg.Changes())
	assert.Equal(t, 1, agg.Version())
}

func TestUpdate_TimeChangeOnTerminalRejected(t *testing.T) {
	agg := Load(Appointment{ID: "a-1", Status: StatusCancelled})
	date := "2025-04-01"
	assert.ErrorIs(t, agg.Update(UpdateInput{Date: &date}, time.UTC, testNow), apperr.ErrInvalidTransition)

	notes := "patient called"
	assert.NoError(t, agg.Update(UpdateInput{Notes: &notes}, time.UTC, testNow))
}
