package appointment

import "time"

// VisitSummary is the derived last/next visit view for one patient.
type VisitSummary struct {
	PatientID string       `json:"patientId"`
	LastVisit *Appointment `json:"lastVisit"`
	NextVisit *Appointment `json:"nextVisit"`
}

// ComputeVisits picks the latest completed appointment strictly before now and the
// earliest upcoming appointment strictly after now. Appointments of other patients are
// ignored. Ties on the scheduled instant are broken by ID so the result is stable.
func ComputeVisits(appointments []Appointment, patientID string, now time.Time) VisitSummary {
	summary := VisitSummary{PatientID: patientID}

	for i := range appointments {
		a := appointments[i]
		if a.PatientID != patientID {
			continue
		}
		switch {
		case a.Status == StatusCompleted && a.ScheduledAt.Before(now):
			if summary.LastVisit == nil || later(a, *summary.LastVisit) {
				summary.LastVisit = &a
			}
		case a.Status == StatusUpcoming && a.ScheduledAt.After(now):
			if summary.NextVisit == nil || later(*summary.NextVisit, a) {
				summary.NextVisit = &a
			}
		}
	}
	return summary
}

// later reports whether a sorts after b.
func later(a, b Appointment) bool {
	if a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ID > b.ID
	}
	return a.ScheduledAt.After(b.ScheduledAt)
}
