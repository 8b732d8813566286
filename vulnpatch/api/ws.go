package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/progress"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxClientFrame = 4096
	sendBuffer     = 256
)

var errSlowSubscriber = errors.New("subscriber send buffer full")

// clientMessage is a request sent by a websocket client.
type clientMessage struct {
	Type   string `json:"type"`
	ScanID uint   `json:"scan_id,omitempty"`
}

// wsConn adapts one websocket to progress.Subscriber. Writes happen on a
// single goroutine; Send only enqueues.
type wsConn struct {
	id      string
	owner   string
	conn    *websocket.Conn
	send    chan progress.Message
	done    chan struct{}
	closeMu sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues msg. A full buffer or a closed connection is an error, which
// makes the hub drop the subscriber.
func (c *wsConn) Send(msg progress.Message) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSlowSubscriber
	}
}

func (c *wsConn) close() {
	c.closeMu.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Debug("WebSocket write failed", "subscriber", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsHandler struct {
	hub      *progress.Hub
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newWSHandler(hub *progress.Hub, allowed []string) *wsHandler {
	h := &wsHandler{hub: hub, conns: make(map[*wsConn]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowed),
	}
	return h
}

// originChecker allows requests without an Origin header, and any origin
// when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		slog.Warn("WebSocket: rejected origin", "origin", origin)
		return false
	}
}

func (h *wsHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "owner_id", owner, "error", err)
		return
	}

	c := &wsConn{
		id:    uuid.NewString(),
		owner: owner,
		conn:  ws,
		send:  make(chan progress.Message, sendBuffer),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	h.hub.Subscribe(owner, c)
	slog.Info("WebSocket connected", "owner_id", owner, "subscriber", c.id)

	go h.readLoop(c)
}

func (h *wsHandler) readLoop(c *wsConn) {
	defer func() {
		h.hub.Unsubscribe(c.owner, c)
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.close()
		slog.Info("WebSocket disconnected", "owner_id", c.owner, "subscriber", c.id)
	}()

	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed websocket message", "subscriber", c.id, "error", err)
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *wsHandler) handleClientMessage(c *wsConn, msg clientMessage) {
	switch msg.Type {
	case "ping":
		_ = c.Send(progress.Message{Type: progress.TypePong, Data: map[string]string{"status": "alive"}, Timestamp: time.Now()})
	case "subscribe_scan":
		h.hub.Replay(c.owner, c, msg.ScanID)
	case "request_dashboard_update":
		_ = c.Send(progress.Message{Type: progress.TypeDashboardRefresh, Data: map[string]string{"reason": "requested"}, Timestamp: time.Now()})
	default:
		slog.Debug("Unknown websocket message type", "subscriber", c.id, "type", msg.Type)
	}
}

func (h *wsHandler) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.close()
	}
}
