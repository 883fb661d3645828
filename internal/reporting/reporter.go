package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	recordTimeout       = 5 * time.Second
)

var errMissingCounter = errors.New("reporting: queue counter is required")

// QueueCounter reads per-status counts from the durable queue.
type QueueCounter interface {
	CountByStatus(ctx context.Context) (map[queue.Status]int64, error)
}

// StatusSource broadcasts drain progress.
type StatusSource interface {
	Subscribe(listener syncengine.Listener) func()
}

// ConnectivitySource exposes connectivity state and its transitions.
type ConnectivitySource interface {
	Current() network.State
	Subscribe(listener network.Listener) func()
}

// ReporterConfig describes the inputs of a Reporter.
type ReporterConfig struct {
	Counter      QueueCounter
	Engine       StatusSource
	Network      ConnectivitySource
	History      *RunStore
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Reporter keeps an in-memory health view. It reads the queue but never writes to it.
type Reporter struct {
	counter      QueueCounter
	engine       StatusSource
	network      ConnectivitySource
	history      *RunStore
	pollInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu         sync.RWMutex
	counts     map[queue.Status]int64
	lastSyncAt time.Time
	runs       int
	completed  int
	failed     int
}

// NewReporter constructs a Reporter. Call Start to attach it to its sources.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Counter == nil {
		return nil, errMissingCounter
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		counter:      cfg.Counter,
		engine:       cfg.Engine,
		network:      cfg.Network,
		history:      cfg.History,
		pollInterval: pollInterval,
		clock:        clock,
		logger:       logger,
		counts:       map[queue.Status]int64{},
	}, nil
}

// Start subscribes to engine and connectivity broadcasts and returns the detach func.
func (r *Reporter) Start(ctx context.Context) func() {
	var stops []func()
	if r.engine != nil {
		stops = append(stops, r.engine.Subscribe(func(status syncengine.SyncStatus) {
			r.observe(ctx, status)
		}))
	}
	if r.network != nil {
		stops = append(stops, r.network.Subscribe(func(previous, current network.State) {
			if !previous.Online && current.Online {
				r.refreshQuietly(ctx)
			}
		}))
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// Run refreshes queue counts immediately and then every poll interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	r.refreshQuietly(ctx)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refreshQuietly(ctx)
		}
	}
}

// Refresh re-reads the per-status counts from the queue.
func (r *Reporter) Refresh(ctx context.Context) error {
	counts, err := r.counter.CountByStatus(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.counts = counts
	r.mu.Unlock()
	return nil
}

// Snapshot computes the current health view.
func (r *Reporter) Snapshot() Health {
	r.mu.RLock()
	health := Health{
		PendingCount: r.counts[queue.StatusPending] + r.counts[queue.StatusSyncing],
		ErroredCount: r.counts[queue.StatusError],
		LastSyncAt:   r.lastSyncAt,
		SyncRuns:     r.runs,
		Completed:    r.completed,
		Failed:       r.failed,
	}
	r.mu.RUnlock()

	health.TotalCount = health.PendingCount + health.ErroredCount
	health.SuccessRate = SuccessRate(health.Completed, health.Failed)
	health.Online = true
	if r.network != nil {
		state := r.network.Current()
		health.Online = state.Online
		health.Slow = state.Slow
		health.EffectiveType = state.EffectiveType
		if !state.Online {
			health.OfflineSince = state.ChangedAt
			if elapsed := r.clock().Sub(state.ChangedAt); elapsed > 0 {
				health.OfflineDuration = elapsed
			}
		}
	}
	health.Score = Score(health.PendingCount, health.ErroredCount, health.SuccessRate, health.OfflineDuration)
	health.Level = LevelFor(health.Score)
	return health
}

// History returns the latest persisted drain runs, newest first.
func (r *Reporter) History(ctx context.Context, limit int) ([]SyncRun, error) {
	if r.history == nil {
		return []SyncRun{}, nil
	}
	return r.history.Recent(ctx, limit)
}

func (r *Reporter) observe(ctx context.Context, status syncengine.SyncStatus) {
	if !status.Terminal() {
		return
	}
	finishedAt := status.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = r.clock().UTC()
	}

	r.mu.Lock()
	r.runs++
	r.completed += status.Completed
	r.failed += status.Failed
	r.lastSyncAt = finishedAt
	r.mu.Unlock()

	if r.history != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := r.history.Record(recordCtx, RunFromStatus(status)); err != nil {
			r.logger.Warn("sync run not recorded", zap.Error(err))
		}
	}
	r.refreshQuietly(ctx)
}

func (r *Reporter) refreshQuietly(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("queue counts not refreshed", zap.Error(err))
	}
}
