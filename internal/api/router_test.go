package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/api"
	"github.com/careremind/reminder-engine/internal/api/handlers"
	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/appointment"
	"github.com/careremind/reminder-engine/internal/domain/patient"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
	"github.com/careremind/reminder-engine/internal/infrastructure/memory"
	"github.com/careremind/reminder-engine/internal/notify"
	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/pkg/idempotency"
)

type server struct {
	handler http.Handler
	rec     *dispatch.Recorder
	ready   error
}

func newServer(t *testing.T) *server {
	t.Helper()

	store := memory.NewStore()
	store.PutPatient(patient.Patient{ID: "p-1", FirstName: "Ada", LastName: "Lovelace", Phone: "(650) 253-0000"})
	store.PutTemplate(reminder.Template{
		ID:       "appointment-reminder",
		Name:     "Appointment reminder",
		Category: reminder.CategoryAppointmentReminder,
		Subject:  "Reminder",
		Body:     "Hi {{patientName}}, see you on {{appointmentDate}} at {{appointmentTime}}.",
		Active:   true,
	})

	now := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := &server{rec: dispatch.NewRecorder()}

	svc, err := notify.NewService(notify.Deps{
		Appointments: store,
		Patients:     store,
		Templates:    store,
		Ledger:       memory.NewLedger(),
		Gateway:      dispatch.NewGuarded(s.rec, dispatch.NewBreakers(m, nil), dispatch.DefaultGuardConfig(), nil),
		Locker:       memory.NewLocker(),
		Tx:           memory.NewUnitOfWork(),
		Clock:        func() time.Time { return now },
		Metrics:      m,
	}, notify.DefaultConfig())
	require.NoError(t, err)

	s.handler = api.NewRouter(api.Options{
		ServiceName: "reminder-api",
		Version:     "test",
		Service:     svc,
		Inbox:       idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil),
		Ready:       func(context.Context) error { return s.ready },
		Gatherer:    reg,
		Metrics:     m,
	})
	return s
}

func (s *server) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *server) create(t *testing.T) appointment.Appointment {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/appointments", appointment.CreateInput{
		PatientID: "p-1", Date: "2025-03-20", Time: "14:00", Type: "Checkup", DoctorName: "Dr. Grace",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a appointment.Appointment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	return a
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateAppointment_SchedulesReminders(t *testing.T) {
	s := newServer(t)
	a := s.create(t)
	assert.Equal(t, appointment.StatusUpcoming, a.Status)
	assert.NotEmpty(t, listReminders(t, s, a.ID).Header().Get("X-Request-ID"))

	view := decodeBody[notify.AppointmentReminders](t, listReminders(t, s, a.ID))
	assert.Len(t, view.Scheduled, 3)
	assert.Empty(t, view.Sent)
}

// listReminders fetches the ledger view of an appointment
func listReminders(t *testing.T, s *server, id string) *httptest.ResponseRecorder {
	t.Helper()
	res := s.do(t, http.MethodGet, "/api/v1/appointments/"+id+"/reminders", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	return res
}

func TestCreateAppointment_ValidationFields(t *testing.T) {
	s := newServer(t)
	res := s.do(t, http.MethodPost, "/api/v1/appointments", map[string]string{"date": "20-03-2025"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	body := decodeBody[handlers.ErrorResponse](t, res)
	assert.Equal(t, "validation", body.Error)
	assert.Contains(t, body.Fields, "patientId")
	assert.Contains(t, body.Fields, "date")
}

func TestCreateAppointment_MalformedBody(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader("{not json"))
	res := httptest.NewRecorder()
	s.handler.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestCreateAppointment_UnknownPatient(t *testing.T) {
	s := newServer(t)
	res := s.do(t, http.MethodPost, "/api/v1/appointments", appointment.CreateInput{
		PatientID: "nobody", Date: "2025-03-20", Time: "14:00", Type: "Checkup",
	})
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "not_found", decodeBody[handlers.ErrorResponse](t, res).Error)
}

func TestStatusTransitions(t *testing.T) {
	s := newServer(t)
	a := s.create(t)

	res := s.do(t, http.MethodPut, "/api/v1/appointments/"+a.ID+"/status", handlers.StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, appointment.StatusCompleted, decodeBody[appointment.Appointment](t, res).Status)

	res = s.do(t, http.MethodPut, "/api/v1/appointments/"+a.ID+"/status", handlers.StatusRequest{Status: "upcoming"})
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "invalid_transition", decodeBody[handlers.ErrorResponse](t, res).Error)

	res = s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reminders/send", nil)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "appointment_closed", decodeBody[handlers.ErrorResponse](t, res).Error)

	res = s.do(t, http.MethodPut, "/api/v1/appointments/missing/status", handlers.StatusRequest{Status: "completed"})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestRescheduleAndUpdate(t *testing.T) {
	s := newServer(t)
	a := s.create(t)

	res := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reschedule", appointment.RescheduleInput{Date: "2025-03-21", Time: "09:00"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	moved := decodeBody[appointment.Appointment](t, res)
	assert.Equal(t, appointment.StatusRescheduled, moved.Status)
	assert.True(t, moved.OriginalScheduledAt.Equal(a.ScheduledAt))

	notes := "bring referral"
	res = s.do(t, http.MethodPatch, "/api/v1/appointments/"+a.ID, appointment.UpdateInput{Notes: &notes})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, notes, decodeBody[appointment.Appointment](t, res).Notes)

	view := decodeBody[notify.AppointmentReminders](t, listReminders(t, s, a.ID))
	active := 0
	for _, r := range view.Scheduled {
		if r.Status == reminder.StatusScheduled {
			active++
		}
	}
	assert.Equal(t, 3, active)
}

func TestDeleteAppointment(t *testing.T) {
	s := newServer(t)
	a := s.create(t)

	res := s.do(t, http.MethodDelete, "/api/v1/appointments/"+a.ID, nil)
	require.Equal(t, http.StatusNoContent, res.Code, res.Body.String())

	res = s.do(t, http.MethodGet, "/api/v1/appointments/"+a.ID+"/reminders", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestSendNow_IdempotencyKeyReplays(t *testing.T) {
	s := newServer(t)
	a := s.create(t)
	path := "/api/v1/appointments/" + a.ID + "/reminders/send"

	first := s.do(t, http.MethodPost, path, nil, handlers.IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get(handlers.ReplayedHeader))
	sent := decodeBody[reminder.SentReminder](t, first)
	assert.True(t, sent.DeliveredOK)
	assert.Equal(t, reminder.TriggerManual, sent.Trigger)

	second := s.do(t, http.MethodPost, path, nil, handlers.IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(handlers.ReplayedHeader))
	assert.Equal(t, sent.ID, decodeBody[reminder.SentReminder](t, second).ID)
	assert.Len(t, s.rec.Sent(), 1)

	third := s.do(t, http.MethodPost, path, nil, handlers.IdempotencyHeader, "key-2")
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Len(t, s.rec.Sent(), 2)
}

func TestSendNow_ProviderFailureReturnsRecord(t *testing.T) {
	s := newServer(t)
	a := s.create(t)
	s.rec.Fail(dispatch.ProviderUnavailable("sms", errors.New("connection refused")))

	res := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reminders/send", handlers.SendRequest{Channel: "sms"})
	require.Equal(t, http.StatusBadGateway, res.Code, res.Body.String())
	body := decodeBody[handlers.ErrorResponse](t, res)
	assert.Equal(t, "provider_unavailable", body.Error)
	require.NotNil(t, body.SentReminder)
	assert.False(t, body.SentReminder.DeliveredOK)

	view := decodeBody[notify.AppointmentReminders](t, listReminders(t, s, a.ID))
	require.Len(t, view.Sent, 1)
	assert.Equal(t, body.SentReminder.ID, view.Sent[0].ID)
}

func TestSendNow_UnknownChannel(t *testing.T) {
	s := newServer(t)
	a := s.create(t)
	res := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reminders/send", handlers.SendRequest{Channel: "fax"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestResendAndCancel(t *testing.T) {
	s := newServer(t)
	a := s.create(t)

	res := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reminders/send", nil)
	require.Equal(t, http.StatusCreated, res.Code)
	orig := decodeBody[reminder.SentReminder](t, res)

	res = s.do(t, http.MethodPost, "/api/v1/reminders/sent/"+orig.ID+"/resend", nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	again := decodeBody[reminder.SentReminder](t, res)
	assert.Equal(t, reminder.TriggerResend, again.Trigger)
	assert.Equal(t, orig.ID, again.ResendOf)
	assert.Equal(t, orig.Content, again.Content)

	res = s.do(t, http.MethodPost, "/api/v1/reminders/sent/missing/resend", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	view := decodeBody[notify.AppointmentReminders](t, listReminders(t, s, a.ID))
	require.NotEmpty(t, view.Scheduled)
	rowID := view.Scheduled[0].ID

	res = s.do(t, http.MethodDelete, "/api/v1/reminders/scheduled/"+rowID, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, reminder.StatusCancelled, decodeBody[reminder.ScheduledReminder](t, res).Status)

	res = s.do(t, http.MethodDelete, "/api/v1/reminders/scheduled/"+rowID, nil)
	assert.Equal(t, http.StatusConflict, res.Code)

	res = s.do(t, http.MethodGet, "/api/v1/reminders/stats", nil)
	require.Equal(t, http.StatusOK, res.Code)
	stats := decodeBody[reminder.Stats](t, res)
	assert.Equal(t, int64(2), stats.Scheduled)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(2), stats.DeliveredOK)
}

func TestPatientVisits(t *testing.T) {
	s := newServer(t)
	a := s.create(t)

	res := s.do(t, http.MethodGet, "/api/v1/patients/p-1/visits", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	summary := decodeBody[appointment.VisitSummary](t, res)
	require.NotNil(t, summary.NextVisit)
	assert.Equal(t, a.ID, summary.NextVisit.ID)
	assert.Nil(t, summary.LastVisit)

	res = s.do(t, http.MethodGet, "/api/v1/patients/nobody/visits", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	s := newServer(t)

	res := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "healthy", decodeBody[map[string]string](t, res)["status"])

	res = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, res.Code)

	s.ready = errors.New("database down")
	res = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	res = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "http_request_duration_seconds")
}
