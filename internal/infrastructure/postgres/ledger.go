package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Ledger is the reminder ledger. The partial unique index on
// (appointment_id, rule_id) WHERE status = 'scheduled' enforces one active row
// per rule, and every move out of scheduled is a conditional UPDATE.
type Ledger struct {
	pool   *pgxpool.Pool
	topics Topics
	logger *zap.Logger
}

var _ reminder.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger. SentReminder rows are also published to the
// audit topic through the outbox.
func NewLedger(pool *pgxpool.Pool, topics Topics, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{pool: pool, topics: topics, logger: logger}
}

const scheduledColumns = `id, appointment_id, patient_id, rule_id, template_id, channel, recipient,
	scheduled_for, status, attempts, last_error, cancel_reason, cancelled_at, sent_reminder_id,
	created_at, updated_at`

func scanScheduled(row pgx.Row) (*reminder.ScheduledReminder, error) {
	r := &reminder.ScheduledReminder{}
	err := row.Scan(
		&r.ID, &r.AppointmentID, &r.PatientID, &r.RuleID, &r.TemplateID, &r.Channel, &r.Recipient,
		&r.ScheduledFor, &r.Status, &r.Attempts, &r.LastError, &r.CancelReason, &r.CancelledAt,
		&r.SentReminderID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ScheduledFor = r.ScheduledFor.UTC()
	return r, nil
}

func (l *Ledger) InsertScheduled(ctx context.Context, r *reminder.ScheduledReminder) error {
	const op = "postgres.insert_scheduled"

	// ON CONFLICT keeps a surrounding transaction usable when the rule already
	// has an active row.
	tag, err := conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO scheduled_reminders (`+scheduledColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (appointment_id, rule_id) WHERE status = 'scheduled' DO NOTHING
	`,
		r.ID, r.AppointmentID, r.PatientID, r.RuleID, r.TemplateID, r.Channel, r.Recipient,
		r.ScheduledFor, r.Status, r.Attempts, r.LastError, r.CancelReason, r.CancelledAt,
		r.SentReminderID, r.CreatedAt, r.UpdatedAt,
	)
	if pgCode(err) == codeUniqueViolation {
		return reminder.ErrDuplicateActive
	}
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return reminder.ErrDuplicateActive
	}
	return nil
}

func (l *Ledger) TransitionScheduled(ctx context.Context, id string, t reminder.Transition) (*reminder.ScheduledReminder, error) {
	const op = "postgres.transition_scheduled"

	at := t.At.UTC()
	var cancelledAt *time.Time
	if t.To == reminder.StatusCancelled {
		cancelledAt = &at
	}

	r, err := scanScheduled(conn(ctx, l.pool).QueryRow(ctx, `
		UPDATE scheduled_reminders
		SET status = $2,
		    updated_at = $3,
		    cancel_reason = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancel_reason END,
		    cancelled_at = COALESCE($5, cancelled_at),
		    sent_reminder_id = COALESCE(NULLIF($6, ''), sent_reminder_id),
		    last_error = COALESCE(NULLIF($7, ''), last_error)
		WHERE id = $1 AND status = 'scheduled'
		RETURNING `+scheduledColumns,
		id, string(t.To), at, t.Reason, cancelledAt, t.SentReminderID, t.LastError,
	))
	if isNoRows(err) {
		cur, gerr := l.GetScheduled(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return cur, reminder.ErrNotScheduled
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return r, nil
}

func (l *Ledger) RecordAttempt(ctx context.Context, id, lastError string, at time.Time) error {
	const op = "postgres.record_attempt"

	tag, err := conn(ctx, l.pool).Exec(ctx, `
		UPDATE scheduled_reminders
		SET attempts = attempts + 1, last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'scheduled'
	`, id, lastError, at.UTC())
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := l.GetScheduled(ctx, id); err != nil {
			return err
		}
		return reminder.ErrNotScheduled
	}
	return nil
}

func (l *Ledger) CancelScheduled(ctx context.Context, appointmentID, reason string, at time.Time) ([]*reminder.ScheduledReminder, error) {
	const op = "postgres.cancel_scheduled"

	rows, err := conn(ctx, l.pool).Query(ctx, `
		UPDATE scheduled_reminders
		SET status = 'cancelled', cancel_reason = $2, cancelled_at = $3, updated_at = $3
		WHERE appointment_id = $1 AND status = 'scheduled'
		RETURNING `+scheduledColumns,
		appointmentID, reason, at.UTC(),
	)
	if err != nil {
		return nil, classify(op, err)
	}
	return collectScheduled(op, rows)
}

func (l *Ledger) GetScheduled(ctx context.Context, id string) (*reminder.ScheduledReminder, error) {
	const op = "postgres.get_scheduled"

	r, err := scanScheduled(conn(ctx, l.pool).QueryRow(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_reminders WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperr.NotFound(op, "scheduled reminder", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return r, nil
}

func (l *Ledger) ListScheduled(ctx context.Context, f reminder.ScheduledFilter) ([]*reminder.ScheduledReminder, error) {
	const op = "postgres.list_scheduled"

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AppointmentID != "" {
		where = append(where, "appointment_id = "+arg(f.AppointmentID))
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
	if !f.DueBefore.IsZero() {
		where = append(where, "scheduled_for <= "+arg(f.DueBefore.UTC()))
	}

	query := `SELECT ` + scheduledColumns + ` FROM scheduled_reminders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_for ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := conn(ctx, l.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return collectScheduled(op, rows)
}

func collectScheduled(op string, rows pgx.Rows) ([]*reminder.ScheduledReminder, error) {
	defer rows.Close()

	var out []*reminder.ScheduledReminder
	for rows.Next() {
		r, err := scanScheduled(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, r)
	}
	return out, classify(op, rows.Err())
}

const sentColumns = `id, appointment_id, patient_id, scheduled_reminder_id, template_id, channel,
	recipient, subject, content, sent_at, external_id, delivered_ok, error, error_kind, trigger,
	resend_of, attempt, cancelled_during_dispatch`

func scanSent(row pgx.Row) (*reminder.SentReminder, error) {
	s := &reminder.SentReminder{}
	err := row.Scan(
		&s.ID, &s.AppointmentID, &s.PatientID, &s.ScheduledReminderID, &s.TemplateID, &s.Channel,
		&s.Recipient, &s.Subject, &s.Content, &s.SentAt, &s.ExternalID, &s.DeliveredOK, &s.Error,
		&s.ErrorKind, &s.Trigger, &s.ResendOf, &s.Attempt, &s.CancelledDuringDispatch,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InsertSent records a dispatch attempt and queues it for the audit topic in one transaction.
func (l *Ledger) InsertSent(ctx context.Context, s *reminder.SentReminder) error {
	const op = "postgres.insert_sent"

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode sent reminder: %w", err)
	}

	tx, err := conn(ctx, l.pool).Begin(ctx)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sent_reminders (`+sentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		s.ID, s.AppointmentID, s.PatientID, s.ScheduledReminderID, s.TemplateID, s.Channel,
		s.Recipient, s.Subject, s.Content, s.SentAt, s.ExternalID, s.DeliveredOK, s.Error,
		s.ErrorKind, s.Trigger, s.ResendOf, s.Attempt, s.CancelledDuringDispatch,
	)
	if pgCode(err) == codeUniqueViolation {
		return apperr.New(apperr.KindConflict, op, "sent reminder %s already recorded", s.ID)
	}
	if err != nil {
		return classify(op, err)
	}

	eventType := "ReminderDelivered"
	if !s.DeliveredOK {
		eventType = "ReminderDeliveryFailed"
	}
	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   s.AppointmentID,
		AggregateType: "SentReminder",
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    l.topics.ReminderAudit,
		KafkaKey:      s.AppointmentID,
	}); err != nil {
		return classify(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (l *Ledger) GetSent(ctx context.Context, id string) (*reminder.SentReminder, error) {
	const op = "postgres.get_sent"

	s, err := scanSent(conn(ctx, l.pool).QueryRow(ctx, `SELECT `+sentColumns+` FROM sent_reminders WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperr.NotFound(op, "sent reminder", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return s, nil
}

func (l *Ledger) ListSent(ctx context.Context, f reminder.SentFilter) ([]*reminder.SentReminder, error) {
	const op = "postgres.list_sent"

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AppointmentID != "" {
		where = append(where, "appointment_id = "+arg(f.AppointmentID))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = "+arg(f.PatientID))
	}

	query := `SELECT ` + sentColumns + ` FROM sent_reminders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY sent_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := conn(ctx, l.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []*reminder.SentReminder
	for rows.Next() {
		s, err := scanSent(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, s)
	}
	return out, classify(op, rows.Err())
}

func (l *Ledger) Stats(ctx context.Context) (reminder.Stats, error) {
	const op = "postgres.reminder_stats"

	var st reminder.Stats
	err := conn(ctx, l.pool).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM scheduled_reminders
	`).Scan(&st.Scheduled, &st.Sent, &st.Cancelled, &st.Failed)
	if err != nil {
		return st, classify(op, err)
	}

	err = conn(ctx, l.pool).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE delivered_ok), COUNT(*) FILTER (WHERE NOT delivered_ok)
		FROM sent_reminders
	`).Scan(&st.Dispatched, &st.DeliveredOK, &st.DeliveryFailed)
	if err != nil {
		return st, classify(op, err)
	}
	return st, nil
}
