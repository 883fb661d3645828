package syncengine

import "time"

// Phase enumerates the states broadcast to observers.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSyncing   Phase = "syncing"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// SyncStatus is an ephemeral snapshot of the current or most recent drain cycle.
type SyncStatus struct {
	Status     Phase     `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the snapshot closes a drain cycle.
func (s SyncStatus) Terminal() bool {
	return s.Status == PhaseCompleted || s.Status == PhaseError
}

// Listener observes status broadcasts.
type Listener func(SyncStatus)
