package template

import (
	"strconv"
	"time"

	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
)

// Presentation layouts for dates and times in reminder content.
const (
	DateLayout = "Jan 2, 2006"
	TimeLayout = "3:04 PM"
)

// Clinic is the practice information rendered into reminders
type Clinic struct {
	Name     string
	Phone    string
	Address  string
	Location *time.Location
}

// DefaultClinic returns the placeholder practice used when nothing is configured
func DefaultClinic() Clinic {
	return Clinic{
		Name:     "CareRemind Medical Center",
		Phone:    "(555) 123-4567",
		Address:  "123 Healthcare Ave, Medical City, MC 12345",
		Location: time.UTC,
	}
}

// AppointmentData builds the variables of an appointment reminder. Empty values
// are omitted so they render as visible placeholders.
func AppointmentData(a appointment.Appointment, p *patient.Patient, c Clinic) Data {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := a.ScheduledAt.In(loc)
	date := local.Format(DateLayout)
	clock := local.Format(TimeLayout)

	d := Data{
		"appointmentDate": date,
		"appointmentTime": clock,
		"date":            date,
		"time":            clock,
		"duration":        strconv.Itoa(a.DurationMinutes),
	}
	if p != nil {
		put(d, "patientName", p.DisplayName())
		put(d, "firstName", p.FirstName)
	}
	put(d, "doctorName", a.DoctorName)
	put(d, "appointmentType", a.Type)
	put(d, "clinicName", c.Name)
	put(d, "clinicPhone", c.Phone)
	put(d, "clinicAddress", c.Address)
	return d
}

func put(d Data, key, value string) {
	if value != "" {
		d[key] = value
	}
}
