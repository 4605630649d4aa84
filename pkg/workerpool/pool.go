// Package workerpool provides a bounded worker pool for controlled concurrency.
// The reminder sweeper uses it to dispatch due reminders for distinct appointments in parallel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShuttingDown is returned by Submit once Stop has been called.
var ErrShuttingDown = errors.New("pool is shutting down")

// ErrQueueFull is returned by Submit when the task queue has no free slot.
var ErrQueueFull = errors.New("task queue is full")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	// Attempt is the 1-based attempt number, set by the pool before each call.
	Attempt int
	// MaxAttempts is the total number of attempts the pool will make.
	MaxAttempts int
}

// LastAttempt reports whether a failed result will not be retried.
func (t *Task) LastAttempt() bool {
	return t.Attempt >= t.MaxAttempts
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
	// Retryable marks a failure worth another attempt. Non-retryable failures end the task.
	Retryable bool
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for retryable failures
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt number
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a clinic-scale reminder sweep
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               500,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	stopOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return ErrShuttingDown
	default:
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel for async processing.
// Results are dropped when nobody drains the channel and it fills up.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop gracefully shuts down the pool. It is safe to call more than once.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.cancel()
		close(p.taskChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
			close(p.resultChan)
		case <-time.After(p.config.GracefulShutdownTimeout):
			// workers still running may write results; leave the channel open
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// processTask runs a task, retrying retryable failures with linear backoff.
// Tasks carry their own context so in-flight work is not cut short by Stop.
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	task.MaxAttempts = p.config.MaxRetries + 1
	result := p.run(ctx, task)

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", task.Attempt),
			zap.Error(result.Error))
	}

	select {
	case p.resultChan <- result:
	default:
		p.logger.Debug("result channel full, dropping result",
			zap.String("task_id", task.ID))
	}
}

func (p *Pool) run(ctx context.Context, task *Task) *Result {
	var lastErr error
	for attempt := 1; attempt <= task.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err}
		}

		task.Attempt = attempt
		result := p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("worker returned no result")}
		}
		if result.TaskID == "" {
			result.TaskID = task.ID
		}
		if result.Success || !result.Retryable || task.LastAttempt() {
			if !result.Success && result.Retryable && attempt > 1 {
				result.Error = fmt.Errorf("task failed after %d attempts: %w", attempt, result.Error)
			}
			return result
		}

		lastErr = result.Error
		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}
	return &Result{TaskID: task.ID, Error: lastErr}
}

// Stats holds a point-in-time snapshot of the pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool is operating normally
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
