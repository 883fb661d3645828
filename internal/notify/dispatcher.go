package notify

import (
	"context"
	"sync"
	"time"
)

const (
	EventSyncStatus   = "sync-status"
	EventNotification = "notification"
	EventConnectivity = "connectivity"
	EventHeartbeat    = "heartbeat"

	defaultBufferSize = 16
)

// Event is one realtime message streamed to the UI shell.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans events out to streaming subscribers. A subscriber whose buffer is full
// misses the event instead of blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
}

// NewDispatcher constructs a Dispatcher with the default buffer size.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]chan Event),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe returns a stream that stays registered until ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers event to every subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	streams := make([]chan Event, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
