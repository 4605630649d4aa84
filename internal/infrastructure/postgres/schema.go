package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careremind/reminder-engine/pkg/idempotency"
)

// Schema is the DDL of the record store, the reminder ledger and the outbox.
// Statements are idempotent so Migrate can run on every deploy.
const Schema = `
CREATE TABLE IF NOT EXISTS patients (
	id                 TEXT PRIMARY KEY,
	first_name         TEXT NOT NULL,
	last_name          TEXT NOT NULL,
	email              TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	preferred_channel  TEXT NOT NULL DEFAULT '',
	preferred_language TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reminder_templates (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	category   TEXT NOT NULL,
	channel    TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS appointments (
	id                    TEXT PRIMARY KEY,
	patient_id            TEXT NOT NULL REFERENCES patients (id),
	scheduled_at          TIMESTAMPTZ NOT NULL,
	original_scheduled_at TIMESTAMPTZ NOT NULL,
	duration_minutes      INTEGER NOT NULL,
	type                  TEXT NOT NULL,
	notes                 TEXT NOT NULL DEFAULT '',
	doctor_name           TEXT NOT NULL DEFAULT '',
	reminders_enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	status                TEXT NOT NULL CHECK (status IN ('upcoming', 'completed', 'cancelled', 'rescheduled', 'no-show')),
	version               INTEGER NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, scheduled_at);

CREATE TABLE IF NOT EXISTS appointment_events (
	id             TEXT PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_data     JSONB NOT NULL,
	version        INTEGER NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	patient_id     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	UNIQUE (aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS scheduled_reminders (
	id               TEXT PRIMARY KEY,
	appointment_id   TEXT NOT NULL,
	patient_id       TEXT NOT NULL,
	rule_id          TEXT NOT NULL,
	template_id      TEXT NOT NULL,
	channel          TEXT NOT NULL,
	recipient        TEXT NOT NULL DEFAULT '',
	scheduled_for    TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('scheduled', 'sent', 'cancelled', 'failed')),
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	cancel_reason    TEXT NOT NULL DEFAULT '',
	cancelled_at     TIMESTAMPTZ,
	sent_reminder_id TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_scheduled_reminders_active_rule
	ON scheduled_reminders (appointment_id, rule_id) WHERE status = 'scheduled';
CREATE INDEX IF NOT EXISTS idx_scheduled_reminders_due
	ON scheduled_reminders (scheduled_for) WHERE status = 'scheduled';
CREATE INDEX IF NOT EXISTS idx_scheduled_reminders_appointment ON scheduled_reminders (appointment_id);

CREATE TABLE IF NOT EXISTS sent_reminders (
	id                        TEXT PRIMARY KEY,
	appointment_id            TEXT NOT NULL,
	patient_id                TEXT NOT NULL,
	scheduled_reminder_id     TEXT NOT NULL DEFAULT '',
	template_id               TEXT NOT NULL DEFAULT '',
	channel                   TEXT NOT NULL,
	recipient                 TEXT NOT NULL DEFAULT '',
	subject                   TEXT NOT NULL DEFAULT '',
	content                   TEXT NOT NULL,
	sent_at                   TIMESTAMPTZ NOT NULL,
	external_id               TEXT NOT NULL DEFAULT '',
	delivered_ok              BOOLEAN NOT NULL,
	error                     TEXT NOT NULL DEFAULT '',
	error_kind                TEXT NOT NULL DEFAULT '',
	trigger                   TEXT NOT NULL,
	resend_of                 TEXT NOT NULL DEFAULT '',
	attempt                   INTEGER NOT NULL DEFAULT 1,
	cancelled_during_dispatch BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_sent_reminders_appointment ON sent_reminders (appointment_id, sent_at DESC);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL;
`

// Migrate applies Schema and the idempotency inbox DDL
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	steps := []struct{ name, ddl string }{
		{"core", Schema},
		{"inbox", idempotency.Schema},
	}
	for _, step := range steps {
		if _, err := pool.Exec(ctx, step.ddl); err != nil {
			return fmt.Errorf("failed to apply %s schema: %w", step.name, err)
		}
	}
	return nil
}
