package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventAppointmentScheduled     EventType = "AppointmentScheduled"
	EventAppointmentUpdated       EventType = "AppointmentUpdated"
	EventAppointmentStatusChanged EventType = "AppointmentStatusChanged"
	EventAppointmentRescheduled   EventType = "AppointmentRescheduled"
	EventAppointmentDeleted       EventType = "AppointmentDeleted"
)

// AggregateType is the aggregate name stamped on every appointment event.
const AggregateType = "Appointment"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithCorrelation sets the correlation (request) id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// ScheduledData carries the appointment as created
type ScheduledData struct {
	Appointment Appointment `json:"appointment"`
}

// UpdatedData carries the fields that changed
type UpdatedData struct {
	Changed []string    `json:"changed"`
	After   Appointment `json:"after"`
}

// StatusChangedData describes a status transition
type StatusChangedData struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// RescheduledData describes a time change
type RescheduledData struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DeletedData identifies a removed appointment
type DeletedData struct {
	Status Status `json:"status"`
}
