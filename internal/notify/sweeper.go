package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/observability/metrics"
	"github.com/careremind/reminder-engine/internal/observability/tracing"
	"github.com/careremind/reminder-engine/pkg/workerpool"
)

// SweeperConfig holds configuration for the due-reminder sweeper
type SweeperConfig struct {
	// Interval is how often due reminders are polled
	Interval time.Duration
	// BatchSize bounds the rows dispatched per sweep
	BatchSize int
	// MaxAttempts bounds provider attempts per reminder
	MaxAttempts int
	// Pool configures the dispatch workers. MaxRetries is derived from MaxAttempts.
	Pool workerpool.Config
}

// DefaultSweeperConfig returns a sweep every 30 seconds of up to 50 rows
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    30 * time.Second,
		BatchSize:   50,
		MaxAttempts: 3,
		Pool:        workerpool.DefaultConfig(),
	}
}

// SweepReport counts the outcomes of one sweep
type SweepReport struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Deferred  int `json:"deferred"`
}

func (r *SweepReport) add(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRetry:
		r.Retried++
	case OutcomeCancelled:
		r.Cancelled++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Deferred++
	}
}

type dueTask struct {
	sweep uint64
	id    string
}

type dueResult struct {
	sweep   uint64
	outcome Outcome
}

// Sweeper periodically dispatches due reminders through a worker pool.
// Rows of distinct appointments are dispatched concurrently.
type Sweeper struct {
	svc     *Service
	pool    *workerpool.Pool
	config  SweeperConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	mu    sync.Mutex
	sweep uint64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over svc
func NewSweeper(svc *Service, cfg SweeperConfig, m *metrics.Metrics, logger *zap.Logger) (*Sweeper, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	cfg.Pool.MaxRetries = cfg.MaxAttempts - 1
	if cfg.Pool.QueueSize < cfg.BatchSize {
		// every result of a sweep must fit the result channel
		cfg.Pool.QueueSize = cfg.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	sw := &Sweeper{
		svc:     svc,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  tracing.Tracer("sweeper"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	pool, err := workerpool.New(cfg.Pool, sw.work, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	sw.pool = pool
	pool.Start()
	return sw, nil
}

// Start begins periodic sweeping
func (sw *Sweeper) Start() {
	go sw.loop()
	sw.logger.Info("reminder sweeper started",
		zap.Duration("interval", sw.config.Interval),
		zap.Int("batch_size", sw.config.BatchSize))
}

// Stop waits for the current sweep to finish and shuts down the workers.
// Close is enough for a sweeper that was never started.
func (sw *Sweeper) Stop() {
	sw.cancel()
	<-sw.done
	sw.Close()
	sw.logger.Info("reminder sweeper stopped")
}

// Close stops the worker pool
func (sw *Sweeper) Close() {
	_ = sw.pool.Stop()
}

// Healthy reports whether the worker queue has headroom
func (sw *Sweeper) Healthy() bool {
	return sw.pool.IsHealthy()
}

func (sw *Sweeper) loop() {
	defer close(sw.done)

	ticker := time.NewTicker(sw.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.SweepOnce(sw.ctx); err != nil && sw.ctx.Err() == nil {
				sw.logger.Error("reminder sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce dispatches one batch of due reminders and waits for every outcome.
// Calls are serialized.
func (sw *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	ctx, span := sw.tracer.Start(ctx, "reminder_sweep")
	defer span.End()

	start := time.Now()
	var report SweepReport

	due, err := sw.svc.DueReminders(ctx, sw.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("failed to list due reminders: %w", err)
	}
	report.Due = len(due)
	span.SetAttributes(attribute.Int("due", len(due)))
	if len(due) == 0 {
		sw.metrics.ObserveSweep(0, time.Since(start))
		return report, nil
	}

	sw.sweep++
	gen := sw.sweep
	submitted := 0
	for _, row := range due {
		err := sw.pool.Submit(&workerpool.Task{
			ID:      row.ID,
			Payload: dueTask{sweep: gen, id: row.ID},
			Context: ctx,
		})
		if err != nil {
			sw.logger.Warn("due reminder not queued",
				zap.String("reminder_id", row.ID),
				zap.Error(err))
			report.Deferred++
			continue
		}
		submitted++
	}

	for submitted > 0 {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case res, ok := <-sw.pool.Results():
			if !ok {
				return report, workerpool.ErrShuttingDown
			}
			dr, ok := res.Data.(dueResult)
			if ok && dr.sweep != gen {
				// late result of an abandoned sweep
				continue
			}
			if !ok {
				// the task was cancelled before it produced an outcome
				dr.outcome = OutcomeDeferred
			}
			report.add(dr.outcome)
			submitted--
		}
	}

	sw.metrics.ObserveSweep(report.Due, time.Since(start))
	sw.logger.Info("reminder sweep completed",
		zap.Int("due", report.Due),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("retried", report.Retried),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("deferred", report.Deferred),
		zap.Duration("duration", time.Since(start)))
	return report, nil
}

// work dispatches one row. A transient provider failure asks the pool for another attempt.
func (sw *Sweeper) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	p := task.Payload.(dueTask)
	outcome, err := sw.svc.DispatchDue(ctx, p.id, sw.config.MaxAttempts)
	return &workerpool.Result{
		TaskID:    task.ID,
		Success:   err == nil,
		Error:     err,
		Data:      dueResult{sweep: p.sweep, outcome: outcome},
		Retryable: outcome == OutcomeRetry,
	}
}
