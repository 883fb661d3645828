package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status enumerates the lifecycle states of a queued complaint.
// Successfully delivered complaints are deleted rather than transitioned.
type Status string

const (
	// StatusPending marks an item eligible for the next drain.
	StatusPending Status = "pending"
	// StatusSyncing marks an item whose submission is in flight.
	StatusSyncing Status = "syncing"
	// StatusError marks an item that exhausted its attempts and needs manual action.
	StatusError Status = "error"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidComplaintID indicates an empty or oversized complaint identifier.
	ErrInvalidComplaintID = errors.New("queue: invalid complaint id")
	// ErrInvalidStatus indicates a status outside the supported set.
	ErrInvalidStatus = errors.New("queue: invalid status")
	// ErrNotFound indicates that no complaint is stored under the identifier.
	ErrNotFound = errors.New("queue: complaint not found")
	// ErrStorageQuota indicates that an item exceeds the local storage bounds.
	ErrStorageQuota = errors.New("queue: storage quota exceeded")
	// ErrSubmissionInFlight indicates a save for an item whose submission is in progress.
	ErrSubmissionInFlight = errors.New("queue: complaint submission in progress")
)

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusSyncing:
		return StatusSyncing, nil
	case StatusError:
		return StatusError, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// QueuedComplaint is one pending complaint submission persisted on the device.
type QueuedComplaint struct {
	ID          string         `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_queued_complaints_status_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
	Payload     datatypes.JSON `gorm:"column:payload_json;not null" json:"payload"`
	RetryCount  int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Status      Status         `gorm:"column:status;size:16;not null;default:'pending';index:idx_queued_complaints_status_created,priority:1" json:"status"`
	LastError   string         `gorm:"column:last_error;type:text;not null;default:''" json:"last_error,omitempty"`
	Attachments []Attachment   `gorm:"foreignKey:ComplaintID;references:ID" json:"attachments"`
}

// TableName provides the explicit table binding for GORM.
func (QueuedComplaint) TableName() string {
	return "queued_complaints"
}

// AttachmentBytes sums the decoded size of every attachment.
func (item QueuedComplaint) AttachmentBytes() int64 {
	var total int64
	for _, attachment := range item.Attachments {
		total += attachment.SizeBytes
	}
	return total
}

// Attachment is a named binary blob carried with a complaint. Data holds the decoded
// bytes in memory; DataB64 is the encoded form persisted alongside the complaint row.
type Attachment struct {
	ComplaintID string `gorm:"column:complaint_id;primaryKey;size:190;not null" json:"-"`
	Position    int    `gorm:"column:position;primaryKey;not null" json:"position"`
	Name        string `gorm:"column:name;size:255;not null" json:"name"`
	MimeType    string `gorm:"column:mime_type;size:127;not null;default:''" json:"mime_type"`
	SizeBytes   int64  `gorm:"column:size_bytes;not null" json:"size_bytes"`
	SHA256      string `gorm:"column:sha256;size:64;not null;index" json:"sha256"`
	DataB64     string `gorm:"column:data_b64;type:text;not null" json:"-"`
	Data        []byte `gorm:"-" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "queued_attachments"
}

// ValidateComplaintID trims and bounds a raw identifier.
func ValidateComplaintID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidComplaintID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidComplaintID, maxIdentifierLength)
	}
	return trimmed, nil
}
