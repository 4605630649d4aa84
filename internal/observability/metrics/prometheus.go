// Package metrics provides Prometheus metrics for the reminder engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes used as the outcome label.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RemindersScheduled  *prometheus.CounterVec
	RemindersCancelled  *prometheus.CounterVec
	RemindersDispatched *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	DueBacklog          prometheus.Gauge
	SweepDuration       prometheus.Histogram
	LockWait            prometheus.Histogram
	OutboxPending       prometheus.Gauge
	OutboxPublished     prometheus.Counter
	OutboxFailed        prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RemindersScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_scheduled_total",
			Help: "Total scheduled reminder rows created",
		}, []string{"channel"}),
		RemindersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_cancelled_total",
			Help: "Total scheduled reminder rows cancelled",
		}, []string{"reason"}),
		RemindersDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_dispatched_total",
			Help: "Total dispatch attempts by outcome",
		}, []string{"channel", "outcome", "trigger"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reminder_dispatch_duration_seconds",
			Help:    "Gateway send duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		DueBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminders_due_backlog",
			Help: "Due reminders found by the last sweep",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_sweep_duration_seconds",
			Help:    "Duration of one due-reminder sweep",
			Buckets: prometheus.DefBuckets,
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "appointment_lock_wait_seconds",
			Help:    "Time spent waiting for the per-appointment lock",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total outbox entries published",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Total outbox publish failures",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.RemindersScheduled,
		m.RemindersCancelled,
		m.RemindersDispatched,
		m.DispatchDuration,
		m.DueBacklog,
		m.SweepDuration,
		m.LockWait,
		m.OutboxPending,
		m.OutboxPublished,
		m.OutboxFailed,
		m.CircuitBreakerState,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveScheduled counts newly created scheduled rows
func (m *Metrics) ObserveScheduled(channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RemindersScheduled.WithLabelValues(channel).Add(float64(n))
}

// ObserveCancelled counts cancelled rows
func (m *Metrics) ObserveCancelled(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RemindersCancelled.WithLabelValues(reason).Add(float64(n))
}

// ObserveDispatch records one gateway call
func (m *Metrics) ObserveDispatch(channel, outcome, trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemindersDispatched.WithLabelValues(channel, outcome, trigger).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// ObserveSweep records one sweep
func (m *Metrics) ObserveSweep(due int, d time.Duration) {
	if m == nil {
		return
	}
	m.DueBacklog.Set(float64(due))
	m.SweepDuration.Observe(d.Seconds())
}

// ObserveLockWait records time spent acquiring an appointment lock
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

// ObserveOutbox records a relay batch
func (m *Metrics) ObserveOutbox(pending int64, published, failed int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(pending))
	m.OutboxPublished.Add(float64(published))
	m.OutboxFailed.Add(float64(failed))
}

// SetBreakerState records a circuit breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
