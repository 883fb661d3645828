package reporting

import (
	"math"
	"time"
)

// Level buckets a health score for display.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

// Health is a derived, read-only view over the queue, drain history and connectivity.
type Health struct {
	PendingCount    int64         `json:"pending_count"`
	ErroredCount    int64         `json:"errored_count"`
	TotalCount      int64         `json:"total_count"`
	LastSyncAt      time.Time     `json:"last_sync_at,omitempty"`
	SyncRuns        int           `json:"sync_runs"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	Online          bool          `json:"online"`
	OfflineSince    time.Time     `json:"offline_since,omitempty"`
	OfflineDuration time.Duration `json:"offline_duration"`
	Slow            bool          `json:"slow"`
	EffectiveType   string        `json:"effective_type,omitempty"`
	Score           int           `json:"score"`
	Level           Level         `json:"level"`
}

// SuccessRate is completed / (completed + failed), or 1 when nothing was attempted.
func SuccessRate(completed, failed int) float64 {
	attempted := completed + failed
	if attempted == 0 {
		return 1
	}
	return float64(completed) / float64(attempted)
}

// Score blends backlog, delivery success, time offline and terminal errors into 0..100.
func Score(pending, errored int64, successRate float64, offline time.Duration) int {
	score := 100.0
	score -= math.Min(5*float64(pending), 30)
	score -= 40 * (1 - clamp(successRate, 0, 1))
	score -= math.Min(math.Floor(offline.Minutes()), 20)
	score -= math.Min(10*float64(errored), 30)
	return int(math.Round(clamp(score, 0, 100)))
}

// LevelFor maps a score onto its display bucket.
func LevelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelHealthy
	case score >= 50:
		return LevelDegraded
	default:
		return LevelCritical
	}
}

func clamp(value, low, high float64) float64 {
	return math.Max(low, math.Min(high, value))
}
