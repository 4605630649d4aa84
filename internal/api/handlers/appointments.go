package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/pkg/idempotency"
)

// AppointmentService is the part of the orchestrator behind /appointments
type AppointmentService interface {
	ScheduleAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error)
	UpdateAppointment(ctx context.Context, id string, in appointment.UpdateInput) (*appointment.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id, status string) (*appointment.Appointment, error)
	RescheduleAppointment(ctx context.Context, id string, in appointment.RescheduleInput) (*appointment.Appointment, error)
	DeleteAppointment(ctx context.Context, id string) error
}

// AppointmentHandler handles appointment endpoints
type AppointmentHandler struct {
	svc       AppointmentService
	reminders *ReminderHandler
	logger    *zap.Logger
}

// NewAppointmentHandler creates a new handler. The reminder sub-routes of an
// appointment are served by a ReminderHandler over the same service.
func NewAppointmentHandler(svc AppointmentService, reminders ReminderService, inbox *idempotency.Inbox, logger *zap.Logger) *AppointmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentHandler{
		svc:       svc,
		reminders: NewReminderHandler(reminders, inbox, logger),
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *AppointmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Patch("/", h.Update)
		r.Delete("/", h.Delete)
		r.Put("/status", h.UpdateStatus)
		r.Post("/reschedule", h.Reschedule)
		r.Get("/reminders", h.reminders.ListForAppointment)
		r.Post("/reminders/send", h.reminders.SendNow)
	})
	return r
}

// Create handles POST /appointments
func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in appointment.CreateInput
	if err := decode(r, "appointment.create", &in, false); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	a, err := h.svc.ScheduleAppointment(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Update handles PATCH /appointments/{id}
func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in appointment.UpdateInput
	if err := decode(r, "appointment.update", &in, false); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	a, err := h.svc.UpdateAppointment(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// StatusRequest is the body of PUT /appointments/{id}/status
type StatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /appointments/{id}/status
func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(r, "appointment.status", &req, false); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	a, err := h.svc.UpdateAppointmentStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Reschedule handles POST /appointments/{id}/reschedule
func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var in appointment.RescheduleInput
	if err := decode(r, "appointment.reschedule", &in, false); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	a, err := h.svc.RescheduleAppointment(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Delete handles DELETE /appointments/{id}
func (h *AppointmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteAppointment(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
