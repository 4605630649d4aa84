package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Store holds patients, templates and appointments. Appointment events are
// appended to an in-memory log in the same critical section as the row write.
type Store struct {
	mu           sync.RWMutex
	patients     map[string]patient.Patient
	templates    map[string]reminder.Template
	appointments map[string]appointment.Appointment
	events       []*appointment.Event
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		patients:     make(map[string]patient.Patient),
		templates:    make(map[string]reminder.Template),
		appointments: make(map[string]appointment.Appointment),
	}
}

var (
	_ appointment.Repository  = (*Store)(nil)
	_ patient.Reader          = (*Store)(nil)
	_ reminder.TemplateReader = (*Store)(nil)
)

// PutPatient inserts or replaces a patient
func (s *Store) PutPatient(p patient.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// PutTemplate inserts or replaces a template
func (s *Store) PutTemplate(t reminder.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *Store) UpsertPatient(_ context.Context, p patient.Patient) error {
	s.PutPatient(p)
	return nil
}

func (s *Store) UpsertTemplate(_ context.Context, t reminder.Template) error {
	s.PutTemplate(t)
	return nil
}

// Events returns the appointment events written so far
func (s *Store) Events() []*appointment.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*appointment.Event(nil), s.events...)
}

func (s *Store) GetPatient(_ context.Context, id string) (*patient.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[id]
	if !ok {
		return nil, apperr.NotFound("store.get_patient", "patient", id)
	}
	return &p, nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (*reminder.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, apperr.NotFound("store.get_template", "template", id)
	}
	return &t, nil
}

func (s *Store) Create(ctx context.Context, agg *appointment.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := agg.ID()
	if _, ok := s.appointments[id]; ok {
		return apperr.New(apperr.KindConflict, "store.create_appointment", "appointment %s already exists", id)
	}
	s.appointments[id] = agg.Snapshot()
	s.writeEvents(ctx, agg)
	onRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.appointments, id)
	})
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*appointment.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, apperr.NotFound("store.get_appointment", "appointment", id)
	}
	return appointment.Load(a), nil
}

func (s *Store) Update(ctx context.Context, agg *appointment.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.appointments[agg.ID()]
	if !ok {
		return apperr.NotFound("store.update_appointment", "appointment", agg.ID())
	}
	if cur.Version != agg.LoadedVersion() {
		return apperr.New(apperr.KindConflict, "store.update_appointment",
			"appointment %s changed concurrently", agg.ID())
	}
	s.appointments[agg.ID()] = agg.Snapshot()
	s.writeEvents(ctx, agg)
	s.restoreOnRollback(ctx, cur)
	return nil
}

func (s *Store) Delete(ctx context.Context, agg *appointment.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.appointments[agg.ID()]
	if !ok {
		return apperr.NotFound("store.delete_appointment", "appointment", agg.ID())
	}
	if cur.Version != agg.LoadedVersion() {
		return apperr.New(apperr.KindConflict, "store.delete_appointment",
			"appointment %s changed concurrently", agg.ID())
	}
	delete(s.appointments, agg.ID())
	s.writeEvents(ctx, agg)
	s.restoreOnRollback(ctx, cur)
	return nil
}

// writeEvents appends the pending events of agg. Callers hold s.mu.
func (s *Store) writeEvents(ctx context.Context, agg *appointment.Aggregate) {
	written := agg.Changes()
	s.events = append(s.events, written...)
	agg.ClearChanges()
	if len(written) == 0 {
		return
	}
	onRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		drop := make(map[*appointment.Event]bool, len(written))
		for _, e := range written {
			drop[e] = true
		}
		kept := s.events[:0]
		for _, e := range s.events {
			if !drop[e] {
				kept = append(kept, e)
			}
		}
		s.events = kept
	})
}

func (s *Store) restoreOnRollback(ctx context.Context, prev appointment.Appointment) {
	onRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.appointments[prev.ID] = prev
	})
}

func (s *Store) List(_ context.Context, f appointment.Filter) ([]appointment.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []appointment.Appointment
	for _, a := range s.appointments {
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if len(f.Statuses) > 0 && !hasAppointmentStatus(f.Statuses, a.Status) {
			continue
		}
		if !f.From.IsZero() && a.ScheduledAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.ScheduledAt.Before(f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasAppointmentStatus(set []appointment.Status, s appointment.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }
