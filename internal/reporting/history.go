package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

var errMissingHistoryDatabase = errors.New("reporting: history database is required")

// SyncRun is one finished drain cycle as observed through engine broadcasts.
type SyncRun struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	StartedAt  time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt time.Time `gorm:"column:finished_at;index:idx_sync_runs_finished" json:"finished_at"`
	Status     string    `gorm:"column:status;size:16;not null" json:"status"`
	Total      int       `gorm:"column:total;not null" json:"total"`
	Completed  int       `gorm:"column:completed;not null" json:"completed"`
	Failed     int       `gorm:"column:failed;not null" json:"failed"`
	Error      string    `gorm:"column:error_message;type:text" json:"error,omitempty"`
}

// TableName keeps the history table name stable.
func (SyncRun) TableName() string {
	return "sync_runs"
}

// RunFromStatus converts a terminal broadcast into a history row.
func RunFromStatus(status syncengine.SyncStatus) SyncRun {
	return SyncRun{
		StartedAt:  status.StartedAt,
		FinishedAt: status.FinishedAt,
		Status:     string(status.Status),
		Total:      status.Total,
		Completed:  status.Completed,
		Failed:     status.Failed,
		Error:      status.Error,
	}
}

// RunStore persists drain history.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore wraps an opened database. The sync_runs table is created when missing.
func NewRunStore(db *gorm.DB) (*RunStore, error) {
	if db == nil {
		return nil, errMissingHistoryDatabase
	}
	if err := db.AutoMigrate(&SyncRun{}); err != nil {
		return nil, err
	}
	return &RunStore{db: db}, nil
}

// Record appends one run.
func (s *RunStore) Record(ctx context.Context, run SyncRun) error {
	run.ID = 0
	return s.db.WithContext(ctx).Create(&run).Error
}

// Recent returns up to limit runs, newest first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var runs []SyncRun
	err := s.db.WithContext(ctx).
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
