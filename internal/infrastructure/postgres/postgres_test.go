//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/infrastructure/postgres"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "reminders_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	url := fmt.Sprintf("postgres://test:testpass@%s:%s/reminders_test?sslmode=disable", host, port.Port())

	testPool, err = postgres.NewPool(ctx, postgres.PoolConfig{URL: url, MaxConns: 10})
	if err == nil {
		err = postgres.Migrate(ctx, testPool)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare database: %v\n", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()
	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func seedPatient(t *testing.T, store *postgres.Store) string {
	t.Helper()
	id := "p-" + uuid.NewString()
	require.NoError(t, store.UpsertPatient(context.Background(), patient.Patient{
		ID: id, FirstName: "Ada", LastName: "Lovelace", Phone: "+16502530000",
	}))
	return id
}

func newAppointment(t *testing.T, patientID string) *appointment.Aggregate {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	agg, err := appointment.Schedule(uuid.NewString(), appointment.CreateInput{
		PatientID: patientID,
		Date:      now.Add(48 * time.Hour).Format("2006-01-02"),
		Time:      "09:30",
		Type:      "Checkup",
	}, time.UTC, now)
	require.NoError(t, err)
	return agg
}

func TestStore_AppointmentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := postgres.NewStore(testPool, postgres.DefaultTopics(), nil)
	pid := seedPatient(t, store)

	agg := newAppointment(t, pid)
	require.NoError(t, store.Create(ctx, agg))
	assert.Empty(t, agg.Changes())

	loaded, err := store.Get(ctx, agg.ID())
	require.NoError(t, err)
	assert.Equal(t, agg.Snapshot().ScheduledAt, loaded.Snapshot().ScheduledAt)

	require.NoError(t, loaded.Transition(appointment.StatusCompleted, time.Now()))
	require.NoError(t, store.Update(ctx, loaded))

	// a second writer holding the old version loses
	stale, err := store.Get(ctx, agg.ID())
	require.NoError(t, err)
	fresh, err := store.Get(ctx, agg.ID())
	require.NoError(t, err)
	require.NoError(t, fresh.Update(appointment.UpdateInput{Notes: strPtr("fasting")}, time.UTC, time.Now()))
	require.NoError(t, store.Update(ctx, fresh))
	require.NoError(t, stale.Update(appointment.UpdateInput{Notes: strPtr("lost")}, time.UTC, time.Now()))
	err = store.Update(ctx, stale)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	var events, outbox int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM appointment_events WHERE aggregate_id = $1`, agg.ID()).Scan(&events))
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND kafka_topic = 'appointment.events'`, agg.ID()).Scan(&outbox))
	assert.Equal(t, 3, events)
	assert.Equal(t, events, outbox)

	list, err := store.List(ctx, appointment.Filter{PatientID: pid, Statuses: []appointment.Status{appointment.StatusCompleted}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	latest, err := store.Get(ctx, agg.ID())
	require.NoError(t, err)
	require.NoError(t, latest.Delete(time.Now()))
	require.NoError(t, store.Delete(ctx, latest))
	_, err = store.Get(ctx, agg.ID())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStore_CreateRejectsUnknownPatient(t *testing.T) {
	store := postgres.NewStore(testPool, postgres.DefaultTopics(), nil)
	err := store.Create(context.Background(), newAppointment(t, "missing"))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLedger_OneActiveRowPerRule(t *testing.T) {
	ctx := context.Background()
	ledger := postgres.NewLedger(testPool, postgres.DefaultTopics(), nil)
	apptID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	row := func() *reminder.ScheduledReminder {
		return &reminder.ScheduledReminder{
			ID: uuid.NewString(), AppointmentID: apptID, PatientID: "p-1", RuleID: "day-before",
			TemplateID: "appointment-reminder", Channel: reminder.ChannelSMS, Recipient: "+16502530000",
			ScheduledFor: now.Add(time.Hour), Status: reminder.StatusScheduled,
			CreatedAt: now, UpdatedAt: now,
		}
	}

	first := row()
	require.NoError(t, ledger.InsertScheduled(ctx, first))
	assert.ErrorIs(t, ledger.InsertScheduled(ctx, row()), reminder.ErrDuplicateActive)

	require.NoError(t, ledger.RecordAttempt(ctx, first.ID, "timeout", now))

	sent, err := ledger.TransitionScheduled(ctx, first.ID, reminder.Transition{
		To: reminder.StatusSent, At: now, SentReminderID: "s-1",
	})
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)
	assert.Equal(t, "s-1", sent.SentReminderID)

	again, err := ledger.TransitionScheduled(ctx, first.ID, reminder.Transition{To: reminder.StatusCancelled, At: now})
	assert.ErrorIs(t, err, reminder.ErrNotScheduled)
	assert.Equal(t, reminder.StatusSent, again.Status)

	// the rule is free again once the first row left scheduled
	second := row()
	require.NoError(t, ledger.InsertScheduled(ctx, second))
	cancelled, err := ledger.CancelScheduled(ctx, apptID, reminder.ReasonDeleted, now)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, second.ID, cancelled[0].ID)
	assert.Equal(t, reminder.ReasonDeleted, cancelled[0].CancelReason)

	rows, err := ledger.ListScheduled(ctx, reminder.ScheduledFilter{AppointmentID: apptID})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = ledger.GetScheduled(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLedger_SentRowsReachTheAuditOutbox(t *testing.T) {
	ctx := context.Background()
	ledger := postgres.NewLedger(testPool, postgres.DefaultTopics(), nil)
	apptID := uuid.NewString()

	s := &reminder.SentReminder{
		ID: uuid.NewString(), AppointmentID: apptID, PatientID: "p-1", TemplateID: "appointment-reminder",
		Channel: reminder.ChannelSMS, Recipient: "+16502530000", Content: "hello",
		SentAt: time.Now().UTC(), DeliveredOK: true, Trigger: reminder.TriggerManual, Attempt: 1,
	}
	require.NoError(t, ledger.InsertSent(ctx, s))

	got, err := ledger.GetSent(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	var topic, eventType string
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT kafka_topic, event_type FROM outbox WHERE aggregate_id = $1`, apptID).Scan(&topic, &eventType))
	assert.Equal(t, "reminder.audit", topic)
	assert.Equal(t, "ReminderDelivered", eventType)

	stats, err := ledger.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.DeliveredOK, int64(1))
}

func TestLocker_SerialisesHolders(t *testing.T) {
	locker := postgres.NewLocker(testPool, nil)
	key := "appointment:" + uuid.NewString()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), key)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, maxSeen)
}

type publishRecorder struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (p *publishRecorder) Publish(_ context.Context, topic, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail && topic != "reminder.dead-letter" {
		return fmt.Errorf("broker down")
	}
	p.topics = append(p.topics, topic)
	return nil
}

func TestOutbox_PublishesAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	_, err := testPool.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE processed_at IS NULL`)
	require.NoError(t, err)

	store := postgres.NewStore(testPool, postgres.DefaultTopics(), nil)
	require.NoError(t, store.Create(ctx, newAppointment(t, seedPatient(t, store))))

	pub := &publishRecorder{}
	cfg := postgres.DefaultOutboxConfig()
	cfg.MaxRetries = 1
	relay := postgres.NewOutbox(testPool, pub, cfg, nil, nil)

	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"appointment.events"}, pub.topics)

	require.NoError(t, store.Create(ctx, newAppointment(t, seedPatient(t, store))))
	pub.fail = true
	n, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"appointment.events", "reminder.dead-letter"}, pub.topics)

	stats, err := relay.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Failed)
}

func strPtr(s string) *string { return &s }
