// Package reminder implements reminder templates, the reminder ledger contract and
// the scheduler that keeps ledger rows consistent with a changing appointment.
package reminder

import (
	"context"
	"time"

	"github.com/careremind/reminder-engine/internal/apperr"
)

// Channel is a delivery channel
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels lists every supported channel
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp}

// ParseChannel converts a wire value into a Channel, rejecting unknown values.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return c, nil
	}
	return "", apperr.InvalidField("reminder.channel", "channel", "unknown channel "+s)
}

// Status is the state of a scheduled reminder row
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsFinal reports whether the row can no longer change.
func (s Status) IsFinal() bool {
	return s != StatusScheduled
}

// Trigger records what caused a dispatch
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerResend    Trigger = "resend"
)

// Cancellation reasons stamped on cancelled rows.
const (
	ReasonRescheduled = "appointment_rescheduled"
	ReasonClosed      = "appointment_closed"
	ReasonDeleted     = "appointment_deleted"
	ReasonDisabled    = "reminders_disabled"
	ReasonSuperseded  = "superseded"
	ReasonManual      = "cancelled_by_user"
)

// Template categories used by the clinic.
const (
	CategoryAppointmentReminder = "appointment-reminder"
	CategoryFollowUp            = "follow-up"
	CategoryCustom              = "custom"
)

// Template is reminder content with {{key}} placeholders
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Channel   Channel   `json:"channel,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// TemplateReader resolves templates. Unknown ids fail with apperr not_found.
type TemplateReader interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

// ScheduledReminder is a pending ledger row. Once Status leaves scheduled it is immutable.
type ScheduledReminder struct {
	ID             string     `json:"id"`
	AppointmentID  string     `json:"appointmentId"`
	PatientID      string     `json:"patientId"`
	RuleID         string     `json:"ruleId"`
	TemplateID     string     `json:"templateId"`
	Channel        Channel    `json:"channel"`
	Recipient      string     `json:"recipient"`
	ScheduledFor   time.Time  `json:"scheduledFor"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	SentReminderID string     `json:"sentReminderId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// SentReminder is the immutable record of one dispatch attempt.
type SentReminder struct {
	ID                      string    `json:"id"`
	AppointmentID           string    `json:"appointmentId"`
	PatientID               string    `json:"patientId"`
	ScheduledReminderID     string    `json:"scheduledReminderId,omitempty"`
	TemplateID              string    `json:"templateId"`
	Channel                 Channel   `json:"channel"`
	Recipient               string    `json:"recipient"`
	Subject                 string    `json:"subject,omitempty"`
	Content                 string    `json:"content"`
	SentAt                  time.Time `json:"sentAt"`
	ExternalID              string    `json:"externalId,omitempty"`
	DeliveredOK             bool      `json:"deliveredOk"`
	Error                   string    `json:"error,omitempty"`
	ErrorKind               string    `json:"errorKind,omitempty"`
	Trigger                 Trigger   `json:"trigger"`
	ResendOf                string    `json:"resendOf,omitempty"`
	Attempt                 int       `json:"attempt"`
	CancelledDuringDispatch bool      `json:"cancelledDuringDispatch,omitempty"`
}
