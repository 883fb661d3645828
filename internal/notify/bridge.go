package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	"go.uber.org/zap"
)

const defaultDeliveryTimeout = 5 * time.Second

var errMissingNotifier = errors.New("notify: notifier is required")

// StatusSource broadcasts drain progress.
type StatusSource interface {
	Subscribe(listener syncengine.Listener) func()
}

// BridgeConfig describes a Bridge.
type BridgeConfig struct {
	Notifier        Notifier
	Dispatcher      *Dispatcher
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
}

// Bridge turns terminal drain outcomes into user messages. Delivery runs in the background
// and its failures are only logged.
type Bridge struct {
	notifier   Notifier
	dispatcher *Dispatcher
	timeout    time.Duration
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewBridge constructs a Bridge. When Dispatcher is set every status snapshot is also
// relayed to the UI stream.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		notifier:   cfg.Notifier,
		dispatcher: cfg.Dispatcher,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Attach subscribes to source and returns the detach func.
func (b *Bridge) Attach(source StatusSource) func() {
	return source.Subscribe(b.handle)
}

// Wait blocks until in-flight deliveries finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) handle(status syncengine.SyncStatus) {
	if b.dispatcher != nil {
		b.dispatcher.Publish(Event{Type: EventSyncStatus, Data: status})
	}
	message, ok := MessageFor(status)
	if !ok {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(message)
	}()
}

func (b *Bridge) deliver(message Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Warn("notifier panicked", zap.Any("panic", recovered))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.notifier.Deliver(ctx, message); err != nil {
		b.logger.Warn("notification not delivered", zap.String("kind", string(message.Kind)), zap.Error(err))
	}
}

// MessageFor maps a terminal status onto a user message. Non-terminal statuses and empty
// drains produce none.
func MessageFor(status syncengine.SyncStatus) (Message, bool) {
	switch status.Status {
	case syncengine.PhaseError:
		return Message{
			Kind:  KindFailure,
			Title: "Falha na sincronização",
			Body:  "Não foi possível enviar as denúncias pendentes. Elas continuam salvas neste dispositivo.",
		}, true
	case syncengine.PhaseCompleted:
		switch {
		case status.Failed > 0:
			return Message{
				Kind:  KindPartialFailure,
				Title: "Sincronização parcial",
				Body:  fmt.Sprintf("%d enviada(s), %d com falha. As denúncias com falha continuam na fila.", status.Completed, status.Failed),
			}, true
		case status.Completed > 0:
			return Message{
				Kind:  KindSuccess,
				Title: "Denúncias enviadas",
				Body:  fmt.Sprintf("%d denúncia(s) enviada(s) com sucesso.", status.Completed),
			}, true
		}
	}
	return Message{}, false
}
