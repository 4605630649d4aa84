package reminder

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateActive is returned by InsertScheduled when a scheduled row already
	// exists for the same appointment and rule.
	ErrDuplicateActive = errors.New("an active reminder already exists for this appointment and rule")
	// ErrNotScheduled is returned by TransitionScheduled when the row already left scheduled.
	ErrNotScheduled = errors.New("reminder is no longer scheduled")
)

// ScheduledFilter selects scheduled reminder rows. Zero fields do not constrain.
// Results are ordered by ScheduledFor, oldest first.
type ScheduledFilter struct {
	AppointmentID string
	PatientID     string
	Statuses      []Status
	DueBefore     time.Time
	Limit         int
}

// SentFilter selects sent reminder rows. Results are ordered by SentAt, newest first.
type SentFilter struct {
	AppointmentID string
	PatientID     string
	Limit         int
}

// Transition describes a compare-and-set move of a scheduled row out of scheduled.
type Transition struct {
	To             Status
	At             time.Time
	Reason         string
	SentReminderID string
	LastError      string
}

// Stats are ledger-wide counts.
type Stats struct {
	Scheduled      int64 `json:"scheduled"`
	Sent           int64 `json:"sent"`
	Cancelled      int64 `json:"cancelled"`
	Failed         int64 `json:"failed"`
	Dispatched     int64 `json:"dispatched"`
	DeliveredOK    int64 `json:"deliveredOk"`
	DeliveryFailed int64 `json:"deliveryFailed"`
}

// Ledger is the persistent record of scheduled and sent reminders.
//
// Implementations return apperr not_found for unknown ids and apperr store_unavailable
// for infrastructure failures. Every write is durable when the call returns.
type Ledger interface {
	// InsertScheduled stores a new scheduled row or fails with ErrDuplicateActive.
	InsertScheduled(ctx context.Context, r *ScheduledReminder) error
	// TransitionScheduled moves a row out of scheduled. The returned row is the stored
	// state after the call; with ErrNotScheduled it is the row as it already was.
	TransitionScheduled(ctx context.Context, id string, t Transition) (*ScheduledReminder, error)
	// RecordAttempt bumps the attempt counter of a row still in scheduled.
	RecordAttempt(ctx context.Context, id, lastError string, at time.Time) error
	// CancelScheduled cancels every scheduled row of an appointment and returns them.
	CancelScheduled(ctx context.Context, appointmentID, reason string, at time.Time) ([]*ScheduledReminder, error)
	GetScheduled(ctx context.Context, id string) (*ScheduledReminder, error)
	ListScheduled(ctx context.Context, f ScheduledFilter) ([]*ScheduledReminder, error)

	InsertSent(ctx context.Context, s *SentReminder) error
	GetSent(ctx context.Context, id string) (*SentReminder, error)
	ListSent(ctx context.Context, f SentFilter) ([]*SentReminder, error)

	Stats(ctx context.Context) (Stats, error)
}
