// Package idempotency provides the Inbox pattern for deduplicating client retries.
// Keys are deterministic hashes of the operation name and caller supplied parts, so a
// repeated Idempotency-Key for the same operation and appointment replays the stored result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry represents an idempotency inbox record
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Store persists inbox entries.
type Store interface {
	// Get returns ErrEntryNotFound when no entry exists for key.
	Get(ctx context.Context, key string) (*Entry, error)
	// Start inserts a STARTED entry, or flips a RECOVERABLE one back to STARTED.
	// It returns ErrDuplicateMessage when an entry exists in any other status.
	Start(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error
	// Mark sets the status and result of an existing entry.
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	// Cleanup removes expired entries and returns how many were removed.
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// DefaultTTL is the time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// IsTerminal classifies handler errors that must not be reprocessed.
	// Nil falls back to matching common phrases in the error text.
	IsTerminal func(err error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

var (
	// ErrEntryNotFound is returned by Store.Get for unknown keys
	ErrEntryNotFound = errors.New("inbox entry not found")
	// ErrDuplicateMessage indicates the key was already claimed
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates the key is currently being processed
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Inbox manages idempotent request processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = isTerminalError
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process executes fn at most once per key. A finished key replays its stored result.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Mark(ctx, key, StatusRecoverable, entry.Result); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			entry.Status = StatusRecoverable

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.store.Start(ctx, key, handlerName, payload, i.now().Add(i.config.DefaultTTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Mark(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Mark(ctx, key, StatusFinished, result); err != nil {
		// the handler already ran; a lost mark only weakens replay
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// GenerateKey creates a deterministic key from its parts, joined with "|" and hashed.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup. Call only after StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			deleted, err := i.store.Cleanup(i.ctx, i.now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted))
			}
		}
	}
}

func isTerminalError(err error) bool {
	errStr := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found"} {
		if strings.Contains(errStr, phrase) {
			return true
		}
	}
	return false
}
