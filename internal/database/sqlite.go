package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/MarcoPoloResearchLab/denuncias/internal/reporting"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the local SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&queue.QueuedComplaint{}, &queue.Attachment{}, &reporting.SyncRun{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Opener adapts OpenSQLite to the lazy opener the queue store expects.
func Opener(path string, logger *zap.Logger) func() (*gorm.DB, error) {
	return func() (*gorm.DB, error) {
		return OpenSQLite(path, logger)
	}
}
