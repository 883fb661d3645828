package queue

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
)

const (
	mimeJPEG        = "image/jpeg"
	mimePNG         = "image/png"
	jpegQuality     = 85
	maxNameLength   = 255
	defaultBlobName = "attachment"
)

// AttachmentLimits bounds what the store accepts per blob and per complaint.
// Zero values disable the corresponding bound.
type AttachmentLimits struct {
	MaxAttachmentBytes int64
	MaxItemBytes       int64
	MaxImageDimension  int
}

// encodeAttachments prepares attachments for persistence: oversized photos are downscaled,
// every blob is digested and base64 encoded, and the limits are enforced on the stored bytes.
func encodeAttachments(complaintID string, attachments []Attachment, limits AttachmentLimits) ([]Attachment, error) {
	encoded := make([]Attachment, 0, len(attachments))
	var itemBytes int64
	for position, attachment := range attachments {
		data := attachment.Data
		if len(data) == 0 && attachment.DataB64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(attachment.DataB64)
			if err != nil {
				return nil, fmt.Errorf("queue: attachment %d is not valid base64: %w", position, err)
			}
			data = decoded
		}

		mimeType := strings.TrimSpace(attachment.MimeType)
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		if limits.MaxImageDimension > 0 {
			data = downscaleImage(data, mimeType, limits.MaxImageDimension)
		}

		size := int64(len(data))
		if limits.MaxAttachmentBytes > 0 && size > limits.MaxAttachmentBytes {
			return nil, fmt.Errorf("%w: attachment %q is %d bytes, limit %d", ErrStorageQuota, attachment.Name, size, limits.MaxAttachmentBytes)
		}
		itemBytes += size
		if limits.MaxItemBytes > 0 && itemBytes > limits.MaxItemBytes {
			return nil, fmt.Errorf("%w: complaint attachments exceed %d bytes", ErrStorageQuota, limits.MaxItemBytes)
		}

		encoded = append(encoded, Attachment{
			ComplaintID: complaintID,
			Position:    position,
			Name:        attachmentName(attachment.Name, position),
			MimeType:    mimeType,
			SizeBytes:   size,
			SHA256:      digest(data),
			DataB64:     base64.StdEncoding.EncodeToString(data),
			Data:        data,
		})
	}
	return encoded, nil
}

// decodeAttachments restores the in-memory bytes of persisted attachments.
func decodeAttachments(attachments []Attachment) error {
	for index := range attachments {
		data, err := base64.StdEncoding.DecodeString(attachments[index].DataB64)
		if err != nil {
			return fmt.Errorf("queue: corrupted attachment %d of %s: %w", attachments[index].Position, attachments[index].ComplaintID, err)
		}
		attachments[index].Data = data
	}
	return nil
}

// downscaleImage fits JPEG and PNG photos inside maxDimension on both sides. Anything that
// cannot be decoded is returned untouched.
func downscaleImage(data []byte, mimeType string, maxDimension int) []byte {
	var format imaging.Format
	switch mimeType {
	case mimeJPEG:
		format = imaging.JPEG
	case mimePNG:
		format = imaging.PNG
	default:
		return data
	}

	config, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return data
	}
	if config.Width <= maxDimension && config.Height <= maxDimension {
		return data
	}

	source, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data
	}
	resized := imaging.Fit(source, maxDimension, maxDimension, imaging.Lanczos)

	var buffer bytes.Buffer
	if err := imaging.Encode(&buffer, resized, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		return data
	}
	return buffer.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func attachmentName(raw string, position int) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return fmt.Sprintf("%s-%d", defaultBlobName, position+1)
	}
	if len(name) > maxNameLength {
		cut := maxNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		return name[:cut]
	}
	return name
}
