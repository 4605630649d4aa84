// Package memory provides in-process implementations of the record store, the
// reminder ledger and the appointment locker. They back the unit tests and the
// STORE_DRIVER=memory development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Ledger is a reminder.Ledger held in memory
type Ledger struct {
	mu        sync.Mutex
	scheduled map[string]*reminder.ScheduledReminder
	sent      map[string]*reminder.SentReminder
	order     []string
	sentOrder []string
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		scheduled: make(map[string]*reminder.ScheduledReminder),
		sent:      make(map[string]*reminder.SentReminder),
	}
}

var _ reminder.Ledger = (*Ledger)(nil)

func (l *Ledger) InsertScheduled(ctx context.Context, r *reminder.ScheduledReminder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.Status == reminder.StatusScheduled {
		for _, cur := range l.scheduled {
			if cur.Status == reminder.StatusScheduled && cur.AppointmentID == r.AppointmentID && cur.RuleID == r.RuleID {
				return reminder.ErrDuplicateActive
			}
		}
	}
	cp := *r
	l.scheduled[r.ID] = &cp
	l.order = append(l.order, r.ID)
	onRollback(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.scheduled, cp.ID)
		l.order = without(l.order, cp.ID)
	})
	return nil
}

// restoreOnRollback puts prev back when the unit of work in ctx fails.
func (l *Ledger) restoreOnRollback(ctx context.Context, prev reminder.ScheduledReminder) {
	onRollback(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		cp := prev
		l.scheduled[prev.ID] = &cp
	})
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (l *Ledger) TransitionScheduled(ctx context.Context, id string, t reminder.Transition) (*reminder.ScheduledReminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.scheduled[id]
	if !ok {
		return nil, apperr.NotFound("ledger.transition", "scheduled reminder", id)
	}
	if cur.Status != reminder.StatusScheduled {
		cp := *cur
		return &cp, reminder.ErrNotScheduled
	}
	l.restoreOnRollback(ctx, *cur)
	applyTransition(cur, t)
	cp := *cur
	return &cp, nil
}

func applyTransition(r *reminder.ScheduledReminder, t reminder.Transition) {
	at := t.At.UTC()
	r.Status = t.To
	r.UpdatedAt = at
	if t.To == reminder.StatusCancelled {
		r.CancelReason = t.Reason
		r.CancelledAt = &at
	}
	if t.SentReminderID != "" {
		r.SentReminderID = t.SentReminderID
	}
	if t.LastError != "" {
		r.LastError = t.LastError
	}
}

func (l *Ledger) RecordAttempt(ctx context.Context, id, lastError string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.scheduled[id]
	if !ok {
		return apperr.NotFound("ledger.attempt", "scheduled reminder", id)
	}
	if cur.Status != reminder.StatusScheduled {
		return reminder.ErrNotScheduled
	}
	l.restoreOnRollback(ctx, *cur)
	cur.Attempts++
	cur.LastError = lastError
	cur.UpdatedAt = at.UTC()
	return nil
}

func (l *Ledger) CancelScheduled(ctx context.Context, appointmentID, reason string, at time.Time) ([]*reminder.ScheduledReminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*reminder.ScheduledReminder
	for _, id := range l.order {
		cur := l.scheduled[id]
		if cur.AppointmentID != appointmentID || cur.Status != reminder.StatusScheduled {
			continue
		}
		l.restoreOnRollback(ctx, *cur)
		applyTransition(cur, reminder.Transition{To: reminder.StatusCancelled, At: at, Reason: reason})
		cp := *cur
		out = append(out, &cp)
	}
	return out, nil
}

func (l *Ledger) GetScheduled(_ context.Context, id string) (*reminder.ScheduledReminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.scheduled[id]
	if !ok {
		return nil, apperr.NotFound("ledger.get", "scheduled reminder", id)
	}
	cp := *cur
	return &cp, nil
}

func (l *Ledger) ListScheduled(_ context.Context, f reminder.ScheduledFilter) ([]*reminder.ScheduledReminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*reminder.ScheduledReminder
	for _, id := range l.order {
		r := l.scheduled[id]
		if f.AppointmentID != "" && r.AppointmentID != f.AppointmentID {
			continue
		}
		if f.PatientID != "" && r.PatientID != f.PatientID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
			continue
		}
		if !f.DueBefore.IsZero() && r.ScheduledFor.After(f.DueBefore) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasStatus(set []reminder.Status, s reminder.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (l *Ledger) InsertSent(ctx context.Context, s *reminder.SentReminder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sent[s.ID]; ok {
		return apperr.New(apperr.KindConflict, "ledger.insert_sent", "sent reminder %s already recorded", s.ID)
	}
	cp := *s
	l.sent[s.ID] = &cp
	l.sentOrder = append(l.sentOrder, s.ID)
	onRollback(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.sent, cp.ID)
		l.sentOrder = without(l.sentOrder, cp.ID)
	})
	return nil
}

func (l *Ledger) GetSent(_ context.Context, id string) (*reminder.SentReminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sent[id]
	if !ok {
		return nil, apperr.NotFound("ledger.get_sent", "sent reminder", id)
	}
	cp := *s
	return &cp, nil
}

func (l *Ledger) ListSent(_ context.Context, f reminder.SentFilter) ([]*reminder.SentReminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*reminder.SentReminder
	for i := len(l.sentOrder) - 1; i >= 0; i-- {
		s := l.sent[l.sentOrder[i]]
		if f.AppointmentID != "" && s.AppointmentID != f.AppointmentID {
			continue
		}
		if f.PatientID != "" && s.PatientID != f.PatientID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *Ledger) Stats(_ context.Context) (reminder.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st reminder.Stats
	for _, r := range l.scheduled {
		switch r.Status {
		case reminder.StatusScheduled:
			st.Scheduled++
		case reminder.StatusSent:
			st.Sent++
		case reminder.StatusCancelled:
			st.Cancelled++
		case reminder.StatusFailed:
			st.Failed++
		}
	}
	for _, s := range l.sent {
		st.Dispatched++
		if s.DeliveredOK {
			st.DeliveredOK++
		} else {
			st.DeliveryFailed++
		}
	}
	return st, nil
}
