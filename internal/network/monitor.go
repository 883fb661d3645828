package network

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Effective connection types reported by platform connectivity APIs.
const (
	EffectiveTypeSlow2G  = "slow-2g"
	EffectiveType2G      = "2g"
	EffectiveType3G      = "3g"
	EffectiveType4G      = "4g"
	EffectiveTypeUnknown = ""
)

// State is the latest known connectivity snapshot.
type State struct {
	Online        bool          `json:"online"`
	EffectiveType string        `json:"effective_type,omitempty"`
	DownlinkMbps  float64       `json:"downlink_mbps,omitempty"`
	RTT           time.Duration `json:"rtt,omitempty"`
	Slow          bool          `json:"slow"`
	ChangedAt     time.Time     `json:"changed_at"`
}

// Listener observes connectivity transitions. previous is the state being replaced.
type Listener func(previous, current State)

// MonitorConfig describes the dependencies of a Monitor.
type MonitorConfig struct {
	Initial State
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Monitor holds the current connectivity state and pushes transitions to subscribers.
type Monitor struct {
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	state     State
	listeners map[int64]Listener
	nextID    int64
}

// NewMonitor constructs a monitor seeded with the initial state.
func NewMonitor(cfg MonitorConfig) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initial := normalize(cfg.Initial)
	if initial.ChangedAt.IsZero() {
		initial.ChangedAt = clock().UTC()
	}
	return &Monitor{
		clock:     clock,
		logger:    logger,
		state:     initial,
		listeners: make(map[int64]Listener),
	}
}

// Current returns the latest known state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports the latest known online flag.
func (m *Monitor) IsOnline() bool {
	return m.Current().Online
}

// Subscribe registers a listener and returns its unsubscribe handle.
func (m *Monitor) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Report replaces the current state. Listeners are notified only when the online flag,
// the effective type or the slow flag changes.
func (m *Monitor) Report(next State) {
	next = normalize(next)

	m.mu.Lock()
	previous := m.state
	if !transition(previous, next) {
		next.ChangedAt = previous.ChangedAt
		m.state = next
		m.mu.Unlock()
		return
	}
	next.ChangedAt = m.clock().UTC()
	m.state = next
	listeners := make([]Listener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		zap.Bool("online", next.Online),
		zap.String("effective_type", next.EffectiveType),
		zap.Bool("slow", next.Slow))

	for _, listener := range listeners {
		m.notify(listener, previous, next)
	}
}

// SetOnline is a shorthand for reporting a bare online/offline event.
func (m *Monitor) SetOnline(online bool) {
	current := m.Current()
	current.Online = online
	m.Report(current)
}

func (m *Monitor) notify(listener Listener, previous, current State) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("connectivity listener panicked", zap.Any("panic", recovered))
		}
	}()
	listener(previous, current)
}

// IsSlowEffectiveType reports whether the classification warrants a long-sync warning.
func IsSlowEffectiveType(effectiveType string) bool {
	switch effectiveType {
	case EffectiveTypeSlow2G, EffectiveType2G:
		return true
	default:
		return false
	}
}

// ClassifyRTT maps a measured round trip onto an effective connection type, using the
// same thresholds as the Network Information API.
func ClassifyRTT(rtt time.Duration) string {
	switch {
	case rtt <= 0:
		return EffectiveTypeUnknown
	case rtt >= 2000*time.Millisecond:
		return EffectiveTypeSlow2G
	case rtt >= 1400*time.Millisecond:
		return EffectiveType2G
	case rtt >= 270*time.Millisecond:
		return EffectiveType3G
	default:
		return EffectiveType4G
	}
}

func normalize(state State) State {
	state.EffectiveType = strings.ToLower(strings.TrimSpace(state.EffectiveType))
	if !state.Online {
		state.EffectiveType = EffectiveTypeUnknown
		state.DownlinkMbps = 0
		state.RTT = 0
	}
	state.Slow = state.Online && IsSlowEffectiveType(state.EffectiveType)
	return state
}

func transition(previous, next State) bool {
	return previous.Online != next.Online ||
		previous.EffectiveType != next.EffectiveType ||
		previous.Slow != next.Slow
}
