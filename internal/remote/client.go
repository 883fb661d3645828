package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"go.uber.org/zap"
)

const (
	maxErrorBodyBytes    = 4 << 10
	headerIdempotencyKey = "Idempotency-Key"
	contentTypeJSON      = "application/json"
)

var errMissingSubmitURL = errors.New("remote: submit url is required")

// TransportError reports a submission that never produced an HTTP response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError reports a non-2xx answer from the submission endpoint.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rejected: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

// TokenSource yields the bearer token of the current session, or "" when signed out.
type TokenSource interface {
	Token() string
}

// ClientConfig describes the remote submission endpoint.
type ClientConfig struct {
	SubmitURL  string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Client posts queued complaints to the system of record.
type Client struct {
	submitURL string
	client    *http.Client
	tokens    TokenSource
	logger    *zap.Logger
}

// NewClient constructs a Client. Deadlines come from the caller's context.
func NewClient(cfg ClientConfig) (*Client, error) {
	submitURL := strings.TrimSpace(cfg.SubmitURL)
	if submitURL == "" {
		return nil, errMissingSubmitURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		submitURL: submitURL,
		client:    client,
		tokens:    cfg.Tokens,
		logger:    logger,
	}, nil
}

type submissionPayload struct {
	ID          string              `json:"id"`
	CreatedAt   time.Time           `json:"created_at"`
	Payload     json.RawMessage     `json:"payload"`
	Attachments []attachmentPayload `json:"attachments"`
}

type attachmentPayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	DataB64  string `json:"data_b64"`
}

// Submit sends one complaint. A nil error means the endpoint accepted it with a 2xx.
// The complaint id travels as Idempotency-Key so the server can drop replays of a
// submission whose response was lost.
func (c *Client) Submit(ctx context.Context, item queue.QueuedComplaint) error {
	body, err := encodeSubmission(item)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	request.Header.Set(headerIdempotencyKey, item.ID)
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.client.Do(request)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		io.Copy(io.Discard, response.Body) //nolint:errcheck
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	rejected := &RejectedError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
	c.logger.Warn("complaint submission rejected",
		zap.String("complaint_id", item.ID),
		zap.Int("status_code", response.StatusCode))
	return rejected
}

func encodeSubmission(item queue.QueuedComplaint) ([]byte, error) {
	payload := json.RawMessage(item.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	submission := submissionPayload{
		ID:          item.ID,
		CreatedAt:   item.CreatedAt.UTC(),
		Payload:     payload,
		Attachments: make([]attachmentPayload, 0, len(item.Attachments)),
	}
	for _, attachment := range item.Attachments {
		submission.Attachments = append(submission.Attachments, attachmentPayload{
			Name:     attachment.Name,
			MimeType: attachment.MimeType,
			Size:     attachment.SizeBytes,
			SHA256:   attachment.SHA256,
			DataB64:  attachment.DataB64,
		})
	}
	body, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("remote: encode submission %s: %w", item.ID, err)
	}
	return body, nil
}
