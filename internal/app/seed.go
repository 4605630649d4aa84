package app

import (
	"context"
	"fmt"

	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Seeder receives the default records
type Seeder interface {
	UpsertPatient(ctx context.Context, p patient.Patient) error
	UpsertTemplate(ctx context.Context, t reminder.Template) error
}

// DefaultTemplates are the templates every clinic starts with
func DefaultTemplates() []reminder.Template {
	return []reminder.Template{
		{
			ID:       reminder.CategoryAppointmentReminder,
			Name:     "Appointment reminder",
			Category: reminder.CategoryAppointmentReminder,
			Subject:  "Appointment reminder from {{clinicName}}",
			Body: "Hi {{patientName}}, this is a reminder of your {{appointmentType}} " +
				"with {{doctorName}} on {{appointmentDate}} at {{appointmentTime}}. " +
				"Call {{clinicPhone}} if you need to reschedule.",
			Active: true,
		},
		{
			ID:       reminder.CategoryFollowUp,
			Name:     "Follow-up",
			Category: reminder.CategoryFollowUp,
			Subject:  "Following up on your visit",
			Body: "Hi {{firstName}}, thank you for visiting {{clinicName}} on {{date}}. " +
				"Reply or call {{clinicPhone}} with any questions.",
			Active: true,
		},
	}
}

// DemoPatients are loaded in development so the API is usable out of the box
func DemoPatients() []patient.Patient {
	return []patient.Patient{
		{ID: "demo-patient-1", FirstName: "Ada", LastName: "Lovelace", Phone: "+16502530000", PreferredChannel: "sms"},
		{ID: "demo-patient-2", FirstName: "Alan", LastName: "Turing", Email: "alan@example.com", PreferredChannel: "email"},
	}
}

// Seed writes the default templates, and the demo patients when demo is set
func Seed(ctx context.Context, s Seeder, demo bool) error {
	for _, t := range DefaultTemplates() {
		if err := s.UpsertTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	if !demo {
		return nil
	}
	for _, p := range DemoPatients() {
		if err := s.UpsertPatient(ctx, p); err != nil {
			return fmt.Errorf("seed patient %s: %w", p.ID, err)
		}
	}
	return nil
}
