// Package appointment implements the appointment lifecycle aggregate and visit summaries.
package appointment

import (
	"github.com/careremind/reminder-engine/internal/apperr"
)

// Status represents appointment status
type Status string

const (
	StatusUpcoming    Status = "upcoming"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no-show"
	StatusRescheduled Status = "rescheduled"
)

var transitions = map[Status][]Status{
	StatusUpcoming:    {StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusRescheduled: {StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled, StatusUpcoming},
}

// ParseStatus converts a wire value into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusUpcoming, StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return st, nil
	}
	return "", apperr.New(apperr.KindInvalidTransition, "appointment.status", "unknown status %q", s)
}

// IsTerminal reports whether no further reminder activity is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
