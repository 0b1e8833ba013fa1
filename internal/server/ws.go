package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayusman/posecam/internal/app"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Subscriber hands out snapshot subscriptions.
type Subscriber interface {
	Subscribe() *app.Subscription
}

// EventsHandler pushes controller snapshots to websocket clients. Each
// client gets its own latest-wins subscription, so a slow client skips
// snapshots instead of holding up the others.
type EventsHandler struct {
	source Subscriber
	logger *slog.Logger
	done   <-chan struct{}
}

// NewEventsHandler creates an EventsHandler for source. Clients are sent a
// close frame when done is closed.
func NewEventsHandler(source Subscriber, logger *slog.Logger, done <-chan struct{}) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{source: source, logger: logger, done: done}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("server: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := uuid.NewString()
	sub := h.source.Subscribe()
	defer sub.Close()

	h.logger.Debug("server: events client connected", "client", client, "remote", r.RemoteAddr)
	defer h.logger.Debug("server: events client disconnected", "client", client)

	// The read side only handles control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-gone:
			return
		}
	}
}
