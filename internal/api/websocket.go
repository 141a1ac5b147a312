package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/logging"
)

const (
	pingInterval = 54 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 512 * 1024
)

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WebSocketClient is one open view stream.
type WebSocketClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	tier string
	send chan []byte

	// latest holds at most one pending view; newer views replace it.
	mu     sync.Mutex
	latest chan dashboard.View

	done chan struct{}
}

// WebSocketHub tracks open streams for broadcasts and shutdown.
type WebSocketHub struct {
	clients      map[*WebSocketClient]bool
	writeTimeout time.Duration
	mu           sync.RWMutex
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(writeTimeout time.Duration) *WebSocketHub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketHub{
		clients:      make(map[*WebSocketClient]bool),
		writeTimeout: writeTimeout,
	}
}

// Run closes every stream once ctx is done.
func (h *WebSocketHub) Run(ctx context.Context) {
	<-ctx.Done()
	h.CloseAll()
}

// CloseAll closes every stream.
func (h *WebSocketHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *WebSocketHub) register(c *WebSocketClient) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("WebSocket client connected",
		"total_clients", n,
		logging.Tier(c.tier),
		logging.Component("websocket"))
}

func (h *WebSocketHub) unregister(c *WebSocketClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("WebSocket client disconnected",
		"total_clients", n,
		logging.Tier(c.tier),
		logging.Component("websocket"))
}

// deliver queues data for c unless it is gone or its buffer is full.
func (h *WebSocketHub) deliver(c *WebSocketClient, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Broadcast sends an event to every open stream.
func (h *WebSocketHub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(&WebSocketMessage{Type: eventType, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	clients := make([]*WebSocketClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !h.deliver(c, payload) {
			logging.Warn("WebSocket send buffer full, dropping event",
				"type", eventType,
				logging.Component("websocket"))
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newWebSocketClient(hub *WebSocketHub, conn *websocket.Conn, tier string) *WebSocketClient {
	return &WebSocketClient{
		hub:    hub,
		conn:   conn,
		tier:   tier,
		send:   make(chan []byte, 64),
		latest: make(chan dashboard.View, 1),
		done:   make(chan struct{}),
	}
}

// offer replaces any undelivered view with v.
func (c *WebSocketClient) offer(v dashboard.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.latest:
	default:
	}
	c.latest <- v
}

// readPump reads client messages until the connection fails.
func (c *WebSocketClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if data, err := json.Marshal(&WebSocketMessage{Type: "pong"}); err == nil {
				c.hub.deliver(c, data)
			}
		}
	}
}

// writePump writes views, hub events and pings until the stream ends.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
		return c.conn.WriteMessage(kind, data) == nil
	}

	for {
		select {
		case <-c.done:
			return

		case message, ok := <-c.send:
			if !ok {
				// Hub closed the stream
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if !write(websocket.TextMessage, message) {
				return
			}

		case v := <-c.latest:
			data, err := json.Marshal(&WebSocketMessage{Type: "view", Data: v})
			if err != nil {
				logging.Error("failed to encode view", logging.Err(err), logging.Component("websocket"))
				continue
			}
			if !write(websocket.TextMessage, data) {
				return
			}

		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(s.config.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(s.config.AllowedOrigins))
		for _, o := range s.config.AllowedOrigins {
			allowed[o] = true
		}
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
	return u
}

// handleStream handles GET /{tier}/ws. Each open connection counts as a
// viewer of the page, so pollers run while at least one stream is open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	page, ok := s.page(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}

	client := newWebSocketClient(s.wsHub, conn, page.Tier().Slug)
	s.wsHub.register(client)
	release := page.Open()
	unsubscribe := page.Subscribe(client.offer)

	go client.writePump()
	go func() {
		client.readPump()
		unsubscribe()
		release()
		s.wsHub.unregister(client)
		conn.Close()
	}()
}
