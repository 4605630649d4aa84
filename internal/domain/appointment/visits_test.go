package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(now time.Time, days int) time.Time {
	return now.Add(time.Duration(days) * 24 * time.Hour)
}

func TestComputeVisits(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	appts := []Appointment{
		{ID: "a", PatientID: "p-1", Status: StatusCompleted, ScheduledAt: at(now, -10)},
		{ID: "b", PatientID: "p-1", Status: StatusCompleted, ScheduledAt: at(now, -2)},
		{ID: "c", PatientID: "p-1", Status: StatusUpcoming, ScheduledAt: at(now, 3)},
		{ID: "d", PatientID: "p-1", Status: StatusCancelled, ScheduledAt: at(now, 1)},
	}

	got := ComputeVisits(appts, "p-1", now)

	require.NotNil(t, got.LastVisit)
	require.NotNil(t, got.NextVisit)
	assert.Equal(t, "b", got.LastVisit.ID)
	assert.Equal(t, "c", got.NextVisit.ID)
}

func TestComputeVisits_ExcludesOtherPatientsAndBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	appts := []Appointment{
		{ID: "other", PatientID: "p-2", Status: StatusCompleted, ScheduledAt: at(now, -1)},
		{ID: "exact", PatientID: "p-1", Status: StatusUpcoming, ScheduledAt: now},
		{ID: "future-completed", PatientID: "p-1", Status: StatusCompleted, ScheduledAt: at(now, 1)},
		{ID: "past-upcoming", PatientID: "p-1", Status: StatusUpcoming, ScheduledAt: at(now, -1)},
		{ID: "moved", PatientID: "p-1", Status: StatusRescheduled, ScheduledAt: at(now, 2)},
	}

	got := ComputeVisits(appts, "p-1", now)
	assert.Nil(t, got.LastVisit)
	assert.Nil(t, got.NextVisit)
	assert.Equal(t, "p-1", got.PatientID)
}

func TestComputeVisits_StableTieBreak(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	slot := at(now, 5)
	appts := []Appointment{
		{ID: "z", PatientID: "p-1", Status: StatusUpcoming, ScheduledAt: slot},
		{ID: "m", PatientID: "p-1", Status: StatusUpcoming, ScheduledAt: slot},
	}

	assert.Equal(t, "m", ComputeVisits(appts, "p-1", now).NextVisit.ID)
}

func TestComputeVisits_DoesNotAliasInput(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	appts := []Appointment{{ID: "a", PatientID: "p-1", Status: StatusCompleted, ScheduledAt: at(now, -1)}}

	got := ComputeVisits(appts, "p-1", now)
	got.LastVisit.Notes = "changed"
	assert.Empty(t, appts[0].Notes)
}
