package syncengine

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"go.uber.org/zap"
)

var errMissingEngine = errors.New("syncengine: engine is required")

// ConnectivitySource pushes connectivity transitions.
type ConnectivitySource interface {
	Subscribe(listener network.Listener) func()
}

// TriggerConfig describes the automatic drain policy.
type TriggerConfig struct {
	Engine  *Engine
	Source  ConnectivitySource
	Counter interface {
		Count(ctx context.Context) (int64, error)
	}
	// Ready, when set, must report true before a drain is launched.
	Ready  func() bool
	Logger *zap.Logger
}

// Trigger starts a drain when connectivity returns and the queue is non-empty. The engine
// never schedules itself; retries happen only on the next drain started here or manually.
type Trigger struct {
	engine  *Engine
	source  ConnectivitySource
	counter interface {
		Count(ctx context.Context) (int64, error)
	}
	ready  func() bool
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewTrigger constructs a Trigger. Counter defaults to the engine's store.
func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	counter := cfg.Counter
	if counter == nil {
		counter = cfg.Engine.store
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		engine:  cfg.Engine,
		source:  cfg.Source,
		counter: counter,
		ready:   cfg.Ready,
		logger:  logger,
	}, nil
}

// Start subscribes to connectivity transitions until the returned stop func is called.
// Drains started here run on ctx without inheriting its cancellation.
func (t *Trigger) Start(ctx context.Context) func() {
	if t.source == nil {
		return func() {}
	}
	drainCtx := context.WithoutCancel(ctx)
	return t.source.Subscribe(func(previous, current network.State) {
		if previous.Online || !current.Online {
			return
		}
		t.logger.Info("connectivity restored, checking queue")
		t.Kick(drainCtx)
	})
}

// Kick starts a drain in the background when the queue holds items and no drain is
// active. It reports whether a drain was launched.
func (t *Trigger) Kick(ctx context.Context) bool {
	if t.engine.IsSyncing() {
		return false
	}
	if t.ready != nil && !t.ready() {
		t.logger.Debug("drain deferred, trigger not ready")
		return false
	}
	total, err := t.counter.Count(ctx)
	if err != nil {
		t.logger.Warn("queue count failed, drain not started", zap.Error(err))
		return false
	}
	if total == 0 {
		return false
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.engine.Sync(ctx)
	}()
	return true
}

// Wait blocks until every drain launched by this trigger has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}
