// Package handlers provides HTTP handlers for the reminder API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/api/middleware"
	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/pkg/idempotency"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	// SentReminder is the recorded attempt of a dispatch that failed
	SentReminder *reminder.SentReminder `json:"sentReminder,omitempty"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInvalidRecipient:
		return http.StatusUnprocessableEntity
	case apperr.KindInvalidTransition, apperr.KindAppointmentClosed, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindProviderUnavailable:
		return http.StatusBadGateway
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as an ErrorResponse. sent may be nil.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, sent *reminder.SentReminder) {
	kind := apperr.KindOf(err)
	msg := err.Error()

	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		kind, msg = apperr.KindConflict, "a request with this Idempotency-Key is still in progress"
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		kind, msg = apperr.KindConflict, "a request with this Idempotency-Key already failed permanently"
	default:
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Message != "" {
			msg = ae.Message
		}
	}

	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("kind", string(kind)),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		if kind == apperr.KindInternal {
			msg = "internal server error"
		}
	}

	writeJSON(w, status, ErrorResponse{
		Error:        string(kind),
		Message:      msg,
		Fields:       apperr.FieldsOf(err),
		SentReminder: sent,
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, op string, v interface{}, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	return apperr.New(apperr.KindValidation, op, "invalid request body: %v", err)
}
