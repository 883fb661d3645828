package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingOpener   = errors.New("database opener is required")
	errMissingDatabase = errors.New("database handle is nil")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable code of the form queue.<operation>.<reason>.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "queue.store.new"
	opOpen           = "queue.open"
	opSave           = "queue.save"
	opGet            = "queue.get"
	opGetPending     = "queue.get_pending"
	opGetAll         = "queue.get_all"
	opRemove         = "queue.remove"
	opUpdateStatus   = "queue.update_status"
	opCount          = "queue.count"
	opCountByStatus  = "queue.count_by_status"
	opClear          = "queue.clear"
	opResetErrored   = "queue.reset_errored"
	opRecoverSyncing = "queue.recover_syncing"

	reasonOpenFailed      = "open_failed"
	reasonMigrateFailed   = "migrate_failed"
	reasonRecoveryFailed  = "recovery_failed"
	reasonInvalidID       = "invalid_id"
	reasonInvalidStatus   = "invalid_status"
	reasonQuotaExceeded   = "quota_exceeded"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonAttachmentsFail = "attachments_failed"
	reasonQueryFailed     = "query_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonUpdateFailed    = "update_failed"
	reasonNotFound        = "not_found"
	reasonInFlight        = "in_flight"

	orderStorage = "created_at ASC, id ASC"
)

var upsertColumns = []string{"updated_at", "payload_json", "retry_count", "status", "last_error"}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the durable queue.
type StoreConfig struct {
	// Open returns the database handle; it is invoked lazily by the first operation
	// and again after a failed attempt.
	Open   func() (*gorm.DB, error)
	Clock  func() time.Time
	Logger *zap.Logger
	Limits AttachmentLimits
}

// Store persists queued complaints so they survive restarts and connectivity loss.
type Store struct {
	open   func() (*gorm.DB, error)
	clock  func() time.Time
	logger *zap.Logger
	limits AttachmentLimits

	mu sync.Mutex
	db *gorm.DB
}

// NewStore constructs a store. No storage is touched until the first operation.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Open == nil {
		return nil, newStoreError(opStoreNew, "missing_opener", errMissingOpener)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		open:   cfg.Open,
		clock:  clock,
		logger: logger,
		limits: cfg.Limits,
	}, nil
}

// Limits exposes the attachment bounds enforced by Save.
func (s *Store) Limits() AttachmentLimits {
	return s.limits
}

func (s *Store) database(ctx context.Context) (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.WithContext(ctx), nil
	}

	db, err := s.open()
	if err != nil {
		s.logError(opOpen, reasonOpenFailed, err)
		return nil, newStoreError(opOpen, reasonOpenFailed, err)
	}
	if db == nil {
		return nil, newStoreError(opOpen, reasonOpenFailed, errMissingDatabase)
	}
	if err := db.AutoMigrate(&QueuedComplaint{}, &Attachment{}); err != nil {
		s.logError(opOpen, reasonMigrateFailed, err)
		return nil, newStoreError(opOpen, reasonMigrateFailed, err)
	}

	// A crash mid-drain leaves items marked syncing; they become eligible again.
	if _, err := s.releaseSyncing(db, opOpen); err != nil {
		return nil, err
	}

	s.db = db
	return db.WithContext(ctx), nil
}

// Save upserts the complaint and replaces its attachments in one transaction.
func (s *Store) Save(ctx context.Context, item QueuedComplaint) error {
	id, err := ValidateComplaintID(item.ID)
	if err != nil {
		return newStoreError(opSave, reasonInvalidID, err)
	}
	item.ID = id
	if item.Status == "" {
		item.Status = StatusPending
	}
	if _, err := ParseStatus(string(item.Status)); err != nil {
		return newStoreError(opSave, reasonInvalidStatus, err)
	}

	attachments, err := encodeAttachments(id, item.Attachments, s.limits)
	if err != nil {
		reason := reasonEncodeFailed
		if errors.Is(err, ErrStorageQuota) {
			reason = reasonQuotaExceeded
		}
		s.logError(opSave, reason, err, zap.String("complaint_id", id))
		return newStoreError(opSave, reason, err)
	}

	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if len(item.Payload) == 0 {
		item.Payload = []byte("{}")
	}
	item.Attachments = nil

	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		// created_at is kept from the first save of the id. Rows being submitted are left
		// alone so a delivery never removes content it did not send.
		result := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns(upsertColumns),
				Where: clause.Where{Exprs: []clause.Expression{
					clause.Neq{Column: clause.Column{Table: item.TableName(), Name: "status"}, Value: StatusSyncing},
				}},
			}).
			Create(&item)
		if result.Error != nil {
			s.logError(opSave, reasonUpsertFailed, result.Error, zap.String("complaint_id", id))
			return newStoreError(opSave, reasonUpsertFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newStoreError(opSave, reasonInFlight, ErrSubmissionInFlight)
		}
		if err := tx.Where("complaint_id = ?", id).Delete(&Attachment{}).Error; err != nil {
			s.logError(opSave, reasonAttachmentsFail, err, zap.String("complaint_id", id))
			return newStoreError(opSave, reasonAttachmentsFail, err)
		}
		if len(attachments) > 0 {
			if err := tx.Create(&attachments).Error; err != nil {
				s.logError(opSave, reasonAttachmentsFail, err, zap.String("complaint_id", id))
				return newStoreError(opSave, reasonAttachmentsFail, err)
			}
		}
		return nil
	})
}

// Get loads a single complaint with its attachments.
func (s *Store) Get(ctx context.Context, id string) (QueuedComplaint, error) {
	db, err := s.database(ctx)
	if err != nil {
		return QueuedComplaint{}, err
	}
	var item QueuedComplaint
	err = preloadAttachments(db).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueuedComplaint{}, newStoreError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("complaint_id", id))
		return QueuedComplaint{}, newStoreError(opGet, reasonQueryFailed, err)
	}
	if err := decodeAttachments(item.Attachments); err != nil {
		return QueuedComplaint{}, newStoreError(opGet, reasonDecodeFailed, err)
	}
	return item, nil
}

// GetPending returns items awaiting submission in storage order. Callers must not rely
// on that order being FIFO.
func (s *Store) GetPending(ctx context.Context) ([]QueuedComplaint, error) {
	return s.list(ctx, opGetPending, func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", StatusPending)
	})
}

// GetAll returns every stored item regardless of status.
func (s *Store) GetAll(ctx context.Context) ([]QueuedComplaint, error) {
	return s.list(ctx, opGetAll, func(db *gorm.DB) *gorm.DB { return db })
}

func (s *Store) list(ctx context.Context, operation string, scope func(*gorm.DB) *gorm.DB) ([]QueuedComplaint, error) {
	db, err := s.database(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]QueuedComplaint, 0)
	if err := scope(preloadAttachments(db)).Order(orderStorage).Find(&items).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return nil, newStoreError(operation, reasonQueryFailed, err)
	}
	for index := range items {
		if err := decodeAttachments(items[index].Attachments); err != nil {
			s.logError(operation, reasonDecodeFailed, err, zap.String("complaint_id", items[index].ID))
			return nil, newStoreError(operation, reasonDecodeFailed, err)
		}
	}
	return items, nil
}

// Remove deletes the complaint and its attachments. Absent identifiers are a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("complaint_id = ?", id).Delete(&Attachment{}).Error; err != nil {
			s.logError(opRemove, reasonDeleteFailed, err, zap.String("complaint_id", id))
			return newStoreError(opRemove, reasonDeleteFailed, err)
		}
		if err := tx.Where("id = ?", id).Delete(&QueuedComplaint{}).Error; err != nil {
			s.logError(opRemove, reasonDeleteFailed, err, zap.String("complaint_id", id))
			return newStoreError(opRemove, reasonDeleteFailed, err)
		}
		return nil
	})
}

// UpdateStatus sets the status and, when lastError is non-empty, the last error message.
// Entering StatusSyncing counts one attempt. Absent identifiers are a no-op.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, lastError string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return newStoreError(opUpdateStatus, reasonInvalidStatus, err)
	}
	db, err := s.database(ctx)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": s.now(),
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	if status == StatusSyncing {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}

	if err := db.Model(&QueuedComplaint{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		s.logError(opUpdateStatus, reasonUpdateFailed, err,
			zap.String("complaint_id", id),
			zap.String("status", string(status)))
		return newStoreError(opUpdateStatus, reasonUpdateFailed, err)
	}
	return nil
}

// Count returns the number of stored items across all statuses.
func (s *Store) Count(ctx context.Context) (int64, error) {
	db, err := s.database(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := db.Model(&QueuedComplaint{}).Count(&total).Error; err != nil {
		s.logError(opCount, reasonQueryFailed, err)
		return 0, newStoreError(opCount, reasonQueryFailed, err)
	}
	return total, nil
}

type statusCount struct {
	Status Status
	Total  int64
}

// CountByStatus returns the number of stored items per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	db, err := s.database(ctx)
	if err != nil {
		return nil, err
	}
	var rows []statusCount
	if err := db.Model(&QueuedComplaint{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		s.logError(opCountByStatus, reasonQueryFailed, err)
		return nil, newStoreError(opCountByStatus, reasonQueryFailed, err)
	}
	counts := map[Status]int64{StatusPending: 0, StatusSyncing: 0, StatusError: 0}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// Clear removes every stored item.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Attachment{}).Error; err != nil {
			s.logError(opClear, reasonDeleteFailed, err)
			return newStoreError(opClear, reasonDeleteFailed, err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&QueuedComplaint{}).Error; err != nil {
			s.logError(opClear, reasonDeleteFailed, err)
			return newStoreError(opClear, reasonDeleteFailed, err)
		}
		return nil
	})
}

// ResetErrored returns terminally failed items to pending with a fresh attempt budget.
func (s *Store) ResetErrored(ctx context.Context) (int64, error) {
	db, err := s.database(ctx)
	if err != nil {
		return 0, err
	}
	result := db.Model(&QueuedComplaint{}).
		Where("status = ?", StatusError).
		Updates(map[string]any{
			"status":      StatusPending,
			"retry_count": 0,
			"last_error":  "",
			"updated_at":  s.now(),
		})
	if result.Error != nil {
		s.logError(opResetErrored, reasonUpdateFailed, result.Error)
		return 0, newStoreError(opResetErrored, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Close releases the database opened by the store. A later operation opens it again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecoverSyncing moves items stuck in syncing back to pending. Callers must hold the drain
// guard so no submission is actually in flight.
func (s *Store) RecoverSyncing(ctx context.Context) (int64, error) {
	db, err := s.database(ctx)
	if err != nil {
		return 0, err
	}
	return s.releaseSyncing(db, opRecoverSyncing)
}

func (s *Store) releaseSyncing(db *gorm.DB, operation string) (int64, error) {
	result := db.Model(&QueuedComplaint{}).
		Where("status = ?", StatusSyncing).
		Updates(map[string]any{"status": StatusPending, "updated_at": s.now()})
	if result.Error != nil {
		s.logError(operation, reasonRecoveryFailed, result.Error)
		return 0, newStoreError(operation, reasonRecoveryFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("recovered interrupted submissions", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func preloadAttachments(db *gorm.DB) *gorm.DB {
	return db.Preload("Attachments", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	})
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("queue store error", attrs...)
}
