package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Kind classifies a user-visible message.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindPartialFailure Kind = "partial_failure"
	KindFailure        Kind = "failure"
)

var errMissingDispatcher = errors.New("notify: dispatcher is required")

// Message is a short best-effort signal for the user.
type Message struct {
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notifier delivers a message on one channel.
type Notifier interface {
	Deliver(ctx context.Context, message Message) error
}

// LogNotifier writes messages to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Deliver(_ context.Context, message Message) error {
	n.logger.Info("user notification",
		zap.String("kind", string(message.Kind)),
		zap.String("title", message.Title),
		zap.String("body", message.Body))
	return nil
}

// RealtimeNotifier forwards messages to the UI event stream.
type RealtimeNotifier struct {
	dispatcher *Dispatcher
}

// NewRealtimeNotifier constructs a RealtimeNotifier.
func NewRealtimeNotifier(dispatcher *Dispatcher) (*RealtimeNotifier, error) {
	if dispatcher == nil {
		return nil, errMissingDispatcher
	}
	return &RealtimeNotifier{dispatcher: dispatcher}, nil
}

func (n *RealtimeNotifier) Deliver(_ context.Context, message Message) error {
	n.dispatcher.Publish(Event{Type: EventNotification, Data: message})
	return nil
}

// MultiNotifier delivers to every channel and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Deliver(ctx context.Context, message Message) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Deliver(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
