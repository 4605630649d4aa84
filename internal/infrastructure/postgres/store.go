package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Topics names the outbox destinations of the rows the adapters write
type Topics struct {
	AppointmentEvents string
	ReminderAudit     string
}

// DefaultTopics returns the topic names provisioned by reminderctl
func DefaultTopics() Topics {
	return Topics{AppointmentEvents: "appointment.events", ReminderAudit: "reminder.audit"}
}

// Store is the record store: appointments with their events, patients and templates.
// Appointment events are written to appointment_events and the outbox in the
// same transaction as the row.
type Store struct {
	pool   *pgxpool.Pool
	topics Topics
	logger *zap.Logger
}

var (
	_ appointment.Repository  = (*Store)(nil)
	_ patient.Reader          = (*Store)(nil)
	_ reminder.TemplateReader = (*Store)(nil)
)

// NewStore creates a record store
func NewStore(pool *pgxpool.Pool, topics Topics, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, topics: topics, logger: logger}
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const appointmentColumns = `id, patient_id, scheduled_at, original_scheduled_at, duration_minutes,
	type, notes, doctor_name, reminders_enabled, status, version, created_at, updated_at`

func scanAppointment(row pgx.Row) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := row.Scan(
		&a.ID, &a.PatientID, &a.ScheduledAt, &a.OriginalScheduledAt, &a.DurationMinutes,
		&a.Type, &a.Notes, &a.DoctorName, &a.RemindersEnabled, &a.Status, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.ScheduledAt = a.ScheduledAt.UTC()
	a.OriginalScheduledAt = a.OriginalScheduledAt.UTC()
	return a, nil
}

func (s *Store) Create(ctx context.Context, agg *appointment.Aggregate) error {
	const op = "postgres.create_appointment"
	a := agg.Snapshot()

	err := s.inTx(ctx, op, agg, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (`+appointmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			a.ID, a.PatientID, a.ScheduledAt, a.OriginalScheduledAt, a.DurationMinutes,
			a.Type, a.Notes, a.DoctorName, a.RemindersEnabled, a.Status, a.Version,
			a.CreatedAt, a.UpdatedAt,
		)
		switch pgCode(err) {
		case codeForeignKeyViolation:
			return apperr.NotFound(op, "patient", a.PatientID)
		case codeUniqueViolation:
			return apperr.New(apperr.KindConflict, op, "appointment %s already exists", a.ID)
		}
		return err
	})
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*appointment.Aggregate, error) {
	const op = "postgres.get_appointment"

	a, err := scanAppointment(conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperr.NotFound(op, "appointment", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return appointment.Load(a), nil
}

func (s *Store) Update(ctx context.Context, agg *appointment.Aggregate) error {
	const op = "postgres.update_appointment"
	a := agg.Snapshot()

	return s.inTx(ctx, op, agg, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET scheduled_at = $3, duration_minutes = $4, type = $5, notes = $6, doctor_name = $7,
			    reminders_enabled = $8, status = $9, version = $10, updated_at = $11
			WHERE id = $1 AND version = $2
		`,
			a.ID, agg.LoadedVersion(), a.ScheduledAt, a.DurationMinutes, a.Type, a.Notes,
			a.DoctorName, a.RemindersEnabled, a.Status, a.Version, a.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrStale(ctx, tx, op, a.ID)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, agg *appointment.Aggregate) error {
	const op = "postgres.delete_appointment"

	return s.inTx(ctx, op, agg, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1 AND version = $2`,
			agg.ID(), agg.LoadedVersion())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrStale(ctx, tx, op, agg.ID())
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context, f appointment.Filter) ([]appointment.Appointment, error) {
	const op = "postgres.list_appointments"

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = "+arg(f.PatientID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_at < "+arg(f.To))
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []appointment.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, a)
	}
	return out, classify(op, rows.Err())
}

func (s *Store) GetPatient(ctx context.Context, id string) (*patient.Patient, error) {
	const op = "postgres.get_patient"

	p := &patient.Patient{}
	err := conn(ctx, s.pool).QueryRow(ctx, `
		SELECT id, first_name, last_name, email, phone, preferred_channel, preferred_language
		FROM patients WHERE id = $1
	`, id).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.PreferredChannel, &p.PreferredLanguage)
	if isNoRows(err) {
		return nil, apperr.NotFound(op, "patient", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return p, nil
}

// UpsertPatient inserts or replaces a patient. Patients are owned by the record
// store; this exists for seeding and tests.
func (s *Store) UpsertPatient(ctx context.Context, p patient.Patient) error {
	_, err := conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO patients (id, first_name, last_name, email, phone, preferred_channel, preferred_language)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET first_name = $2, last_name = $3, email = $4, phone = $5, preferred_channel = $6, preferred_language = $7
	`, p.ID, p.FirstName, p.LastName, p.Email, p.Phone, p.PreferredChannel, p.PreferredLanguage)
	return classify("postgres.upsert_patient", err)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*reminder.Template, error) {
	const op = "postgres.get_template"

	t := &reminder.Template{}
	err := conn(ctx, s.pool).QueryRow(ctx, `
		SELECT id, name, category, channel, subject, body, active, created_at
		FROM reminder_templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Category, &t.Channel, &t.Subject, &t.Body, &t.Active, &t.CreatedAt)
	if isNoRows(err) {
		return nil, apperr.NotFound(op, "template", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return t, nil
}

// UpsertTemplate inserts or replaces a reminder template
func (s *Store) UpsertTemplate(ctx context.Context, t reminder.Template) error {
	_, err := conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO reminder_templates (id, name, category, channel, subject, body, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, category = $3, channel = $4, subject = $5, body = $6, active = $7
	`, t.ID, t.Name, t.Category, t.Channel, t.Subject, t.Body, t.Active)
	return classify("postgres.upsert_template", err)
}

// inTx runs fn and then writes the aggregate's uncommitted events, all in one
// transaction. Changes are cleared only after commit.
func (s *Store) inTx(ctx context.Context, op string, agg *appointment.Aggregate, fn func(pgx.Tx) error) error {
	tx, err := conn(ctx, s.pool).Begin(ctx)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	for _, e := range agg.Changes() {
		if err := s.insertEvent(ctx, tx, e); err != nil {
			return classify(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, fmt.Errorf("commit: %w", err))
	}

	agg.ClearChanges()
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx pgx.Tx, e *appointment.Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_events
		(id, aggregate_id, event_type, event_data, version, timestamp, patient_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.AggregateID, string(e.EventType), e.EventData, e.Version, e.Timestamp, e.PatientID, e.CorrelationID)
	if pgCode(err) == codeUniqueViolation {
		return apperr.New(apperr.KindConflict, "postgres.insert_event",
			"appointment %s version %d already written", e.AggregateID, e.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    s.topics.AppointmentEvents,
		KafkaKey:      e.AggregateID,
	})
}

func (s *Store) missingOrStale(ctx context.Context, tx pgx.Tx, op, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound(op, "appointment", id)
	}
	return apperr.New(apperr.KindConflict, op, "appointment %s changed concurrently", id)
}
