package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketReadLimit  = 4 * 1024
	socketBufferSize = 1024
)

// Upgrades pass through session validation; origins are not restricted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  socketBufferSize,
	WriteBufferSize: socketBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *httpHandler) initialEvents() []notify.Event {
	now := h.clock().UTC()
	return []notify.Event{
		{Type: notify.EventSyncStatus, Data: h.engine.Status(), Timestamp: now},
		{Type: notify.EventConnectivity, Data: h.monitor.Current(), Timestamp: now},
	}
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for _, event := range h.initialEvents() {
		c.SSEvent(event.Type, event)
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(notify.EventHeartbeat, notify.Event{Type: notify.EventHeartbeat, Timestamp: h.clock().UTC()})
			return true
		}
	})
}

func (h *httpHandler) handleEventSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(socketReadLimit)
		conn.SetReadDeadline(time.Now().Add(socketPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(socketPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket closed", zap.Error(err))
				}
				return
			}
		}
	}()

	write := func(event notify.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(socketWriteWait)) //nolint:errcheck
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return false
		}
		return true
	}

	for _, event := range h.initialEvents() {
		if !write(event) {
			return
		}
	}

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case event, ok := <-stream:
			if !ok || !write(event) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(socketWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
