package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service string
	version string
	ready   func(ctx context.Context) error
}

// NewHealthHandler creates a health handler. ready is consulted by /ready; nil
// means always ready.
func NewHealthHandler(service, version string, ready func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{service: service, version: version, ready: ready}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
