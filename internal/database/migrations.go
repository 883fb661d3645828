package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationEnableWriteAheadLog = "2026-06-01_enable_write_ahead_log"
	migrationIndexPendingOrder   = "2026-06-15_index_pending_drain_order"

	pendingDrainIndex = "idx_queued_complaints_pending_order"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationEnableWriteAheadLog, apply: enableWriteAheadLog},
		{name: migrationIndexPendingOrder, apply: indexPendingDrainOrder},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// The journal mode is stored in the database file, so operator commands reading the queue
// from another process do not block the agent's writes.
func enableWriteAheadLog(db *gorm.DB) error {
	return db.Exec("PRAGMA journal_mode = WAL").Error
}

// Partial index matching the drain query; gorm index tags cannot express the predicate.
func indexPendingDrainOrder(db *gorm.DB) error {
	statement := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (created_at, id) WHERE status = '%s'",
		pendingDrainIndex, queue.QueuedComplaint{}.TableName(), queue.StatusPending)
	return db.Exec(statement).Error
}
