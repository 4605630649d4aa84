package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/api/middleware"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/notify"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/pkg/idempotency"
)

// IdempotencyHeader names the client retry key of send and resend
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses replayed from the idempotency inbox
const ReplayedHeader = "Idempotent-Replayed"

// ReminderService is the part of the orchestrator behind the reminder endpoints
type ReminderService interface {
	SendReminderNow(ctx context.Context, appointmentID, templateID, channel string) (*reminder.SentReminder, error)
	ResendReminder(ctx context.Context, sentReminderID string) (*reminder.SentReminder, error)
	CancelReminder(ctx context.Context, scheduledReminderID string) (*reminder.ScheduledReminder, error)
	ListReminders(ctx context.Context, appointmentID string) (*notify.AppointmentReminders, error)
	ReminderStats(ctx context.Context) (reminder.Stats, error)
}

// ReminderHandler handles reminder endpoints
type ReminderHandler struct {
	svc    ReminderService
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewReminderHandler creates a new handler. inbox may be nil, in which case
// Idempotency-Key headers are ignored.
func NewReminderHandler(svc ReminderService, inbox *idempotency.Inbox, logger *zap.Logger) *ReminderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes
func (h *ReminderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Post("/sent/{id}/resend", h.Resend)
	r.Delete("/scheduled/{id}", h.Cancel)
	return r
}

// SendRequest is the optional body of POST /appointments/{id}/reminders/send
type SendRequest struct {
	TemplateID string `json:"templateId,omitempty"`
	Channel    string `json:"channel,omitempty"`
}

// SendNow handles POST /appointments/{id}/reminders/send
func (h *ReminderHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	appointmentID := chi.URLParam(r, "id")

	var req SendRequest
	if err := decode(r, "reminder.send_now", &req, true); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	h.dispatch(w, r, "send_now", appointmentID, req, func(ctx context.Context) (*reminder.SentReminder, error) {
		return h.svc.SendReminderNow(ctx, appointmentID, req.TemplateID, req.Channel)
	})
}

// Resend handles POST /reminders/sent/{id}/resend
func (h *ReminderHandler) Resend(w http.ResponseWriter, r *http.Request) {
	sentID := chi.URLParam(r, "id")
	h.dispatch(w, r, "resend", sentID, struct{}{}, func(ctx context.Context) (*reminder.SentReminder, error) {
		return h.svc.ResendReminder(ctx, sentID)
	})
}

// dispatch runs send once per Idempotency-Key. A repeated key replays the
// SentReminder recorded by the first request.
func (h *ReminderHandler) dispatch(w http.ResponseWriter, r *http.Request, handlerName, target string, payload interface{},
	send func(ctx context.Context) (*reminder.SentReminder, error)) {
	ctx, span := tracing.Tracer("reminder-handler").Start(r.Context(), handlerName)
	defer span.End()

	key := r.Header.Get(IdempotencyHeader)
	if key == "" || h.inbox == nil {
		sent, err := send(ctx)
		if err != nil {
			writeError(w, r, h.logger, err, sent)
			return
		}
		writeJSON(w, http.StatusCreated, sent)
		return
	}
	span.SetAttributes(attribute.Bool("idempotent", true))

	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	// a failed dispatch still leaves a SentReminder worth returning
	var attempt *reminder.SentReminder
	res, err := h.inbox.Process(ctx, idempotency.GenerateKey(handlerName, target, key), handlerName, body,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			sent, err := send(ctx)
			attempt = sent
			if err != nil {
				return nil, err
			}
			return json.Marshal(sent)
		})
	if err != nil {
		writeError(w, r, h.logger, err, attempt)
		return
	}

	if !res.IsNew && !res.WasRecovered {
		h.logger.Info("idempotent replay",
			zap.String("handler", handlerName),
			zap.String("target", target),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		w.Header().Set(ReplayedHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(res.Result)
}

// Cancel handles DELETE /reminders/scheduled/{id}
func (h *ReminderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	row, err := h.svc.CancelReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// ListForAppointment handles GET /appointments/{id}/reminders
func (h *ReminderHandler) ListForAppointment(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ListReminders(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Stats handles GET /reminders/stats
func (h *ReminderHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.ReminderStats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
