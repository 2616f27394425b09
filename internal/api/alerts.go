package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// clientBuffer is how many alerts a slow subscriber may fall behind by
	// before it is disconnected.
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AlertHub streams alerts to websocket subscribers. It is an AlertSink.
type AlertHub struct {
	mu      sync.Mutex
	clients map[*alertClient]struct{}
	closed  bool
}

type alertClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewAlertHub creates an empty hub.
func NewAlertHub() *AlertHub {
	return &AlertHub{clients: make(map[*alertClient]struct{})}
}

// RecordAlert broadcasts the alert to every connected subscriber.
func (h *AlertHub) RecordAlert(ctx context.Context, alert domain.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to encode alert for stream", "alert_id", alert.ID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("dropping slow alert subscriber", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *AlertHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *AlertHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade alert stream", "error", err)
		return
	}

	c := &alertClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("alert subscriber connected", "clients", count)

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every subscriber.
func (h *AlertHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *AlertHub) remove(c *alertClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *AlertHub) removeLocked(c *alertClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// readPump discards client messages and detects disconnects.
func (h *AlertHub) readPump(c *alertClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("alert stream read error", "error", err)
			}
			return
		}
	}
}

func (h *AlertHub) writePump(c *alertClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
