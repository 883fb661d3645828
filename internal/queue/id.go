package queue

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// IDProvider issues client-side complaint identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewComplaint builds a fresh pending item. An empty id is replaced by one from ids.
func NewComplaint(id string, payload []byte, attachments []Attachment, ids IDProvider, now time.Time) (QueuedComplaint, error) {
	if id == "" {
		if ids == nil {
			ids = NewUUIDProvider()
		}
		generated, err := ids.NewID()
		if err != nil {
			return QueuedComplaint{}, err
		}
		id = generated
	}
	validated, err := ValidateComplaintID(id)
	if err != nil {
		return QueuedComplaint{}, err
	}
	return QueuedComplaint{
		ID:          validated,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		Payload:     datatypes.JSON(payload),
		Attachments: attachments,
		RetryCount:  0,
		Status:      StatusPending,
	}, nil
}
