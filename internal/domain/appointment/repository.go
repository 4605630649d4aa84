package appointment

import (
	"context"
	"time"
)

// Filter selects appointments. Zero fields do not constrain the result.
type Filter struct {
	PatientID string
	Statuses  []Status
	From      time.Time
	To        time.Time
	Limit     int
}

// Repository persists appointments together with their uncommitted events.
// Implementations write the row and the events atomically, return apperr not_found
// for unknown ids, apperr conflict when the stored version no longer matches
// the aggregate's loaded version, and apperr store_unavailable otherwise.
type Repository interface {
	Create(ctx context.Context, agg *Aggregate) error
	Get(ctx context.Context, id string) (*Aggregate, error)
	Update(ctx context.Context, agg *Aggregate) error
	Delete(ctx context.Context, agg *Aggregate) error
	List(ctx context.Context, f Filter) ([]Appointment, error)
}
