package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	base64Overhead             = 4.0 / 3.0
	requestEnvelopeBytes       = 1 << 20
)

type submitComplaintRequest struct {
	ID          string                     `json:"id" validate:"omitempty,max=190"`
	Payload     json.RawMessage            `json:"payload" validate:"required"`
	Attachments []attachmentRequestPayload `json:"attachments" validate:"max=10,dive"`
}

type attachmentRequestPayload struct {
	Name     string `json:"name" validate:"max=255"`
	MimeType string `json:"mime_type" validate:"max=127"`
	DataB64  string `json:"data_b64" validate:"required,base64"`
}

// complaintPayload is the business shape checked before anything is queued. The raw
// payload is stored as received.
type complaintPayload struct {
	Category    string           `json:"category" validate:"required,max=64"`
	Description string           `json:"description" validate:"required,max=5000"`
	Location    *locationPayload `json:"location" validate:"omitempty"`
	Anonymous   bool             `json:"anonymous"`
	Contact     *contactPayload  `json:"contact" validate:"omitempty"`
	OccurredAt  *time.Time       `json:"occurred_at"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Address   string  `json:"address" validate:"max=500"`
}

type contactPayload struct {
	Name  string `json:"name" validate:"max=120"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
}

type queuedItemPayload struct {
	ID          string                    `json:"id"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Status      queue.Status              `json:"status"`
	RetryCount  int                       `json:"retry_count"`
	LastError   string                    `json:"last_error,omitempty"`
	Payload     json.RawMessage           `json:"payload"`
	Attachments []queuedAttachmentPayload `json:"attachments"`
}

type queuedAttachmentPayload struct {
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

func toQueuedItemPayload(item queue.QueuedComplaint) queuedItemPayload {
	attachments := make([]queuedAttachmentPayload, 0, len(item.Attachments))
	for _, attachment := range item.Attachments {
		attachments = append(attachments, queuedAttachmentPayload{
			Name:      attachment.Name,
			MimeType:  attachment.MimeType,
			SizeBytes: attachment.SizeBytes,
			SHA256:    attachment.SHA256,
		})
	}
	return queuedItemPayload{
		ID:          item.ID,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
		Status:      item.Status,
		RetryCount:  item.RetryCount,
		LastError:   item.LastError,
		Payload:     json.RawMessage(item.Payload),
		Attachments: attachments,
	}
}

func (h *httpHandler) handleSubmitComplaint(c *gin.Context) {
	if limit := h.requestLimit(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	var request submitComplaintRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.validate.Struct(request); err != nil {
		h.respondValidation(c, err)
		return
	}

	var business complaintPayload
	if err := json.Unmarshal(request.Payload, &business); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := h.validate.Struct(business); err != nil {
		h.respondValidation(c, err)
		return
	}

	attachments := make([]queue.Attachment, 0, len(request.Attachments))
	for _, attachment := range request.Attachments {
		attachments = append(attachments, queue.Attachment{
			Name:     strings.TrimSpace(attachment.Name),
			MimeType: strings.TrimSpace(attachment.MimeType),
			DataB64:  attachment.DataB64,
		})
	}

	item, err := queue.NewComplaint(strings.TrimSpace(request.ID), request.Payload, attachments, h.ids, h.clock())
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Save(ctx, item); err != nil {
		h.respondStoreError(c, err)
		return
	}

	stored, err := h.store.Get(ctx, item.ID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	syncStarted := false
	if h.monitor.IsOnline() {
		syncStarted = h.trigger.Kick(context.WithoutCancel(ctx))
	}
	h.logger.Info("complaint queued",
		zap.String("complaint_id", stored.ID),
		zap.Int("attachments", len(stored.Attachments)),
		zap.Bool("sync_started", syncStarted))

	c.JSON(http.StatusAccepted, gin.H{
		"item":         toQueuedItemPayload(stored),
		"sync_started": syncStarted,
	})
}

func (h *httpHandler) handleListQueue(c *gin.Context) {
	ctx := c.Request.Context()
	items, err := h.store.GetAll(ctx)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	response := make([]queuedItemPayload, 0, len(items))
	for _, item := range items {
		response = append(response, toQueuedItemPayload(item))
	}
	c.JSON(http.StatusOK, gin.H{"items": response, "counts": counts})
}

func (h *httpHandler) handleGetQueued(c *gin.Context) {
	item, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, toQueuedItemPayload(item))
}

func (h *httpHandler) handleRemoveQueued(c *gin.Context) {
	if err := h.store.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearQueue(c *gin.Context) {
	if h.engine.IsSyncing() {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	if err := h.store.Clear(c.Request.Context()); err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.logger.Info("queue cleared", zap.String("user_id", c.GetString(userIDContextKey)))
	c.Status(http.StatusNoContent)
}

// requestLimit bounds the request body by the per-item quota in its base64 form.
func (h *httpHandler) requestLimit() int64 {
	limits := h.store.Limits()
	if limits.MaxItemBytes <= 0 {
		return 0
	}
	return int64(float64(limits.MaxItemBytes)*base64Overhead) + requestEnvelopeBytes
}

func (h *httpHandler) respondValidation(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	fields := make(map[string]string, len(validationErrors))
	for _, fieldError := range validationErrors {
		fields[fieldError.Field()] = fieldError.Tag()
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "fields": fields})
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error) {
	body := gin.H{"error": "queue_unavailable"}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}

	switch {
	case errors.Is(err, queue.ErrStorageQuota):
		body["error"] = "storage_quota_exceeded"
		body["detail"] = err.Error()
		c.JSON(http.StatusRequestEntityTooLarge, body)
	case errors.Is(err, queue.ErrInvalidComplaintID):
		body["error"] = "invalid_id"
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, queue.ErrNotFound):
		body["error"] = "not_found"
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, queue.ErrSubmissionInFlight):
		body["error"] = "submission_in_progress"
		c.JSON(http.StatusConflict, body)
	default:
		h.logger.Error("queue operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	}
}
