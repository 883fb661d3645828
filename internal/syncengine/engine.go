package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the number of submission attempts, the first one included.
	DefaultMaxRetries    = 3
	defaultSubmitTimeout = 30 * time.Second
)

var (
	errMissingStore     = errors.New("syncengine: queue store is required")
	errMissingSubmitter = errors.New("syncengine: submitter is required")
)

// QueueStore is the part of the durable queue the engine drives.
type QueueStore interface {
	GetPending(ctx context.Context) ([]queue.QueuedComplaint, error)
	UpdateStatus(ctx context.Context, id string, status queue.Status, lastError string) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	ResetErrored(ctx context.Context) (int64, error)
	RecoverSyncing(ctx context.Context) (int64, error)
}

// Submitter delivers one complaint to the remote system of record.
type Submitter interface {
	Submit(ctx context.Context, item queue.QueuedComplaint) error
}

// Connectivity exposes the latest known online flag.
type Connectivity interface {
	IsOnline() bool
}

// Config describes the dependencies of an Engine.
type Config struct {
	Store         QueueStore
	Submitter     Submitter
	Connectivity  Connectivity
	MaxRetries    int
	SubmitTimeout time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Engine drains the durable queue against the remote endpoint. It is the only component
// that moves items between statuses, and it never runs two drains at once.
type Engine struct {
	store         QueueStore
	submitter     Submitter
	connectivity  Connectivity
	maxRetries    int
	submitTimeout time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	draining atomic.Bool

	mu        sync.RWMutex
	status    SyncStatus
	listeners map[int64]Listener
	nextID    int64
}

// NewEngine constructs an Engine; one instance is shared by every trigger in the process.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Submitter == nil {
		return nil, errMissingSubmitter
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:         cfg.Store,
		submitter:     cfg.Submitter,
		connectivity:  cfg.Connectivity,
		maxRetries:    maxRetries,
		submitTimeout: submitTimeout,
		clock:         clock,
		logger:        logger,
		status:        SyncStatus{Status: PhaseIdle},
		listeners:     make(map[int64]Listener),
	}, nil
}

// MaxRetries returns the attempt budget per item.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Status returns the latest broadcast snapshot.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// IsSyncing reports whether a drain cycle is in progress.
func (e *Engine) IsSyncing() bool {
	return e.draining.Load()
}

// Subscribe registers a status listener and returns its unsubscribe handle.
func (e *Engine) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = listener
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Sync runs one drain cycle and returns its final status. It returns false without doing
// anything when offline or when another drain is already running.
func (e *Engine) Sync(ctx context.Context) (SyncStatus, bool) {
	if e.connectivity != nil && !e.connectivity.IsOnline() {
		e.logger.Debug("sync skipped while offline")
		return e.Status(), false
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("sync skipped, drain already in progress")
		return e.Status(), false
	}
	defer e.draining.Store(false)

	return e.drain(ctx), true
}

// RetryFailed gives terminally failed items a fresh attempt budget and starts a drain.
func (e *Engine) RetryFailed(ctx context.Context) (int64, SyncStatus, bool, error) {
	reset, err := e.store.ResetErrored(ctx)
	if err != nil {
		return 0, e.Status(), false, err
	}
	if reset > 0 {
		e.logger.Info("errored complaints reset for retry", zap.Int64("count", reset))
	}
	status, started := e.Sync(ctx)
	return reset, status, started, nil
}

func (e *Engine) drain(ctx context.Context) (final SyncStatus) {
	startedAt := e.now()
	status := SyncStatus{Status: PhaseSyncing, StartedAt: startedAt}

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("drain cycle panicked", zap.Any("panic", recovered))
			final = e.fail(status, fmt.Errorf("drain panicked: %v", recovered))
		}
	}()

	// Only this cycle may hold items in syncing; leftovers come from an aborted cycle.
	if _, err := e.store.RecoverSyncing(ctx); err != nil {
		return e.fail(status, err)
	}
	items, err := e.store.GetPending(ctx)
	if err != nil {
		return e.fail(status, err)
	}
	if len(items) == 0 {
		status.Status = PhaseCompleted
		status.FinishedAt = e.now()
		e.publish(status)
		return status
	}

	status.Total = len(items)
	e.publish(status)
	e.logger.Info("drain started", zap.Int("total", status.Total))

	for _, item := range items {
		if item.RetryCount >= e.maxRetries {
			if err := e.store.UpdateStatus(ctx, item.ID, queue.StatusError, e.exhaustedMessage("")); err != nil {
				return e.fail(status, err)
			}
			status.Failed++
			e.logger.Warn("complaint exhausted its attempts",
				zap.String("complaint_id", item.ID),
				zap.Int("retry_count", item.RetryCount))
			e.publish(status)
			continue
		}

		if err := e.store.UpdateStatus(ctx, item.ID, queue.StatusSyncing, ""); err != nil {
			return e.fail(status, err)
		}
		item.RetryCount++

		submitErr := e.submit(ctx, item)
		if submitErr == nil {
			if err := e.store.Remove(ctx, item.ID); err != nil {
				return e.fail(status, err)
			}
			status.Completed++
			e.logger.Info("complaint delivered", zap.String("complaint_id", item.ID))
			e.publish(status)
			continue
		}

		message := submitErr.Error()
		next := queue.StatusPending
		if item.RetryCount >= e.maxRetries {
			next = queue.StatusError
			message = e.exhaustedMessage(message)
		}
		if err := e.store.UpdateStatus(ctx, item.ID, next, message); err != nil {
			return e.fail(status, err)
		}
		status.Failed++
		e.logger.Warn("complaint submission failed",
			zap.String("complaint_id", item.ID),
			zap.Int("attempt", item.RetryCount),
			zap.String("next_status", string(next)),
			zap.Error(submitErr))
		e.publish(status)
	}

	status.Status = PhaseCompleted
	status.FinishedAt = e.now()
	e.publish(status)
	e.logger.Info("drain completed",
		zap.Int("total", status.Total),
		zap.Int("completed", status.Completed),
		zap.Int("failed", status.Failed))
	return status
}

// submit bounds one remote call so a hung request cannot stall the queue.
func (e *Engine) submit(ctx context.Context, item queue.QueuedComplaint) error {
	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	err := e.submitter.Submit(submitCtx, item)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("transport: submission timed out after %s", e.submitTimeout)
	}
	return err
}

func (e *Engine) exhaustedMessage(lastFailure string) string {
	message := fmt.Sprintf("exhausted: retry limit of %d attempts reached", e.maxRetries)
	if lastFailure == "" {
		return message
	}
	return message + "; last failure: " + lastFailure
}

func (e *Engine) fail(status SyncStatus, err error) SyncStatus {
	e.logger.Error("drain cycle failed", zap.Error(err))
	status.Status = PhaseError
	status.Error = err.Error()
	status.FinishedAt = e.now()
	e.publish(status)
	return status
}

func (e *Engine) publish(status SyncStatus) {
	e.mu.Lock()
	e.status = status
	listeners := make([]Listener, 0, len(e.listeners))
	for _, listener := range e.listeners {
		listeners = append(listeners, listener)
	}
	e.mu.Unlock()

	for _, listener := range listeners {
		e.deliver(listener, status)
	}
}

func (e *Engine) deliver(listener Listener, status SyncStatus) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("sync status listener panicked", zap.Any("panic", recovered))
		}
	}()
	listener(status)
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}
