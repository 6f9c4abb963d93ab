// Package websocket streams finished scheduling passes to connected clients.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// Server → client frame, one per finished pass:
//
//	{"type":"pass","id":"<ULID>","outcome":"ok","scheduled":4,...}
//
// Client → server control frames:
//
//	{"type":"hold",    "message_id":"..."}
//	{"type":"release", "message_id":"..."}
//
// Each control frame is answered with {"type":"ack","message_id":"..."} or
// {"type":"error","message_id":"...","error":"..."}.
//
// A client that cannot keep up is disconnected rather than allowed to slow
// down the pass that is notifying it.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/dayslot/internal/storage"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 4 << 10
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// HoldController applies hold/release control frames. *dispatch.Dispatcher
// satisfies it.
type HoldController interface {
	Hold(messageID string) error
	Release(messageID string) error
}

// passFrame is what the server sends when a pass finishes.
type passFrame struct {
	Type string `json:"type"` // "pass"
	*storage.PassRecord
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type      string `json:"type"` // "hold" | "release"
	MessageID string `json:"message_id"`
}

// replyFrame answers one clientFrame.
type replyFrame struct {
	Type      string `json:"type"` // "ack" | "error"
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

type client struct {
	conn *gorillaws.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans finished passes out to every connected client. It implements
// dispatch.Notifier and http.Handler.
type Hub struct {
	ctrl HoldController
	log  *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a Hub. ctrl may be nil, in which case control frames are
// answered with an error.
func NewHub(ctrl HoldController, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{ctrl: ctrl, log: log, clients: make(map[*client]struct{})}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PassFinished broadcasts rec to every client without blocking.
func (h *Hub) PassFinished(rec *storage.PassRecord) {
	data, err := json.Marshal(passFrame{Type: "pass", PassRecord: rec})
	if err != nil {
		h.log.Warn("ws: encode pass frame", "pass_id", rec.ID, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("ws: slow client dropped", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			c.close()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// reply queues a control-frame answer. It must not be called with h.mu held.
func (h *Hub) reply(c *client, r replyFrame) {
	data, _ := json.Marshal(r)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeHTTP upgrades the connection, then runs the write loop until the
// client goes away or is dropped.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	// Read control frames from the client.
	go func() {
		defer h.unregister(c)
		conn.SetReadLimit(maxFrameSize)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if json.Unmarshal(raw, &cf) != nil {
				continue
			}
			h.reply(c, h.control(cf))
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) control(cf clientFrame) replyFrame {
	out := replyFrame{Type: "ack", MessageID: cf.MessageID}
	var err error
	switch {
	case h.ctrl == nil:
		err = fmt.Errorf("control frames are disabled")
	case cf.MessageID == "":
		err = fmt.Errorf("message_id is required")
	case cf.Type == "hold":
		err = h.ctrl.Hold(cf.MessageID)
	case cf.Type == "release":
		err = h.ctrl.Release(cf.MessageID)
	default:
		err = fmt.Errorf("unknown frame type %q", cf.Type)
	}
	if err != nil {
		out.Type = "error"
		out.Error = err.Error()
	}
	return out
}
