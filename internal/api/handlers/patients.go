package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/domain/appointment"
)

// VisitService derives visit summaries
type VisitService interface {
	GetPatientVisitSummary(ctx context.Context, patientID string) (appointment.VisitSummary, error)
}

// PatientHandler handles patient endpoints
type PatientHandler struct {
	svc    VisitService
	logger *zap.Logger
}

func NewPatientHandler(svc VisitService, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/visits", h.Visits)
	return r
}

// Visits handles GET /patients/{id}/visits
func (h *PatientHandler) Visits(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.GetPatientVisitSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
