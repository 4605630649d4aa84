package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

func TestLedger_OneActiveRowPerRule(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	row := &reminder.ScheduledReminder{ID: "r1", AppointmentID: "a1", RuleID: "1-day-before", Status: reminder.StatusScheduled}
	require.NoError(t, l.InsertScheduled(ctx, row))

	dup := *row
	dup.ID = "r2"
	assert.ErrorIs(t, l.InsertScheduled(ctx, &dup), reminder.ErrDuplicateActive)

	cancelled, err := l.CancelScheduled(ctx, "a1", reminder.ReasonRescheduled, time.Now())
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, reminder.StatusCancelled, cancelled[0].Status)

	assert.NoError(t, l.InsertScheduled(ctx, &dup))
}

func TestLedger_TransitionIsCompareAndSet(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	require.NoError(t, l.InsertScheduled(ctx, &reminder.ScheduledReminder{ID: "r1", AppointmentID: "a1", RuleID: "x", Status: reminder.StatusScheduled}))

	got, err := l.TransitionScheduled(ctx, "r1", reminder.Transition{To: reminder.StatusSent, At: time.Now(), SentReminderID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SentReminderID)

	got, err = l.TransitionScheduled(ctx, "r1", reminder.Transition{To: reminder.StatusCancelled, At: time.Now()})
	assert.ErrorIs(t, err, reminder.ErrNotScheduled)
	assert.Equal(t, reminder.StatusSent, got.Status)
	assert.ErrorIs(t, l.RecordAttempt(ctx, "r1", "x", time.Now()), reminder.ErrNotScheduled)

	_, err = l.TransitionScheduled(ctx, "missing", reminder.Transition{To: reminder.StatusSent})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLedger_ListAndStats(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	base := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"late", "early", "mid"} {
		offset := map[string]int{"late": 3, "early": 1, "mid": 2}[id]
		require.NoError(t, l.InsertScheduled(ctx, &reminder.ScheduledReminder{
			ID: id, AppointmentID: "a1", RuleID: string(rune('a' + i)), Status: reminder.StatusScheduled,
			ScheduledFor: base.Add(time.Duration(offset) * time.Hour),
		}))
	}

	due, err := l.ListScheduled(ctx, reminder.ScheduledFilter{DueBefore: base.Add(2 * time.Hour), Statuses: []reminder.Status{reminder.StatusScheduled}})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "mid", due[1].ID)

	require.NoError(t, l.InsertSent(ctx, &reminder.SentReminder{ID: "s1", AppointmentID: "a1", DeliveredOK: true}))
	require.NoError(t, l.InsertSent(ctx, &reminder.SentReminder{ID: "s2", AppointmentID: "a1"}))
	assert.ErrorIs(t, l.InsertSent(ctx, &reminder.SentReminder{ID: "s1"}), apperr.ErrConflict)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, reminder.Stats{Scheduled: 3, Dispatched: 2, DeliveredOK: 1, DeliveryFailed: 1}, st)
}

func TestStore_OptimisticConcurrency(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	agg, err := appointment.Schedule("a1", appointment.CreateInput{PatientID: "p1", Date: "2025-03-10", Time: "09:00", Type: "Checkup"}, time.UTC, now)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, agg))
	assert.Len(t, s.Events(), 1)

	first, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "a1")
	require.NoError(t, err)

	require.NoError(t, first.Transition(appointment.StatusCompleted, now))
	require.NoError(t, s.Update(ctx, first))

	require.NoError(t, second.Transition(appointment.StatusCancelled, now))
	assert.ErrorIs(t, s.Update(ctx, second), apperr.ErrConflict)

	_, err = s.GetPatient(ctx, "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLocker_SerializesPerKey(t *testing.T) {
	l := NewLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "a1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
	assert.Empty(t, l.slots)
}

func TestLocker_HonoursContext(t *testing.T) {
	l := NewLocker()
	unlock, err := l.Lock(context.Background(), "a1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "a2")
	require.NoError(t, err)
	other()
}
