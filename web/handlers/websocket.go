package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/internal/factstore"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// WebSocketHub manages WebSocket connections and broadcasts store events.
type WebSocketHub struct {
	clients    map[clientInterface]bool
	broadcast  chan interface{}
	register   chan clientInterface
	unregister chan clientInterface
	origins    []string
	log        *zap.Logger
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewWebSocketHub creates a hub. origins are host patterns accepted in the
// Origin header; requests without an Origin header are always accepted.
func NewWebSocketHub(log *zap.Logger, origins ...string) *WebSocketHub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[clientInterface]bool),
		broadcast:  make(chan interface{}, sendBuffer),
		register:   make(chan clientInterface),
		unregister: make(chan clientInterface),
		origins:    origins,
		log:        log.Named("ws"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's message processing loop. It returns after Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.Int("clients", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.Int("clients", count))

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.log.Error("failed to marshal websocket message", zap.Error(err))
				continue
			}
			// Full lock: slow clients are dropped from the map.
			h.mu.Lock()
			for client := range h.clients {
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					close(sendChan)
					delete(h.clients, client)
					h.log.Warn("dropped slow websocket client")
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients without blocking.
func (h *WebSocketHub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("websocket broadcast channel full, dropping message")
	}
}

// Publish forwards a store event to every client. It is meant to be passed
// to engine.Subscribe and never blocks the committing writer.
func (h *WebSocketHub) Publish(ev factstore.Event) {
	msg := EventMessage{
		Type:    string(ev.Type),
		Ref:     engine.EventRef(ev),
		Fact:    ev.Fact,
		Entity:  ev.Entity,
		Session: ev.Session,
	}
	h.Broadcast(msg)
}

// Register adds a client to the hub. It is a no-op after Stop.
func (h *WebSocketHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub. It is a no-op after Stop.
func (h *WebSocketHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		// Accept has already written the error response.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// writePump sends messages to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(c.hub.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			c.hub.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

// readPump drains client messages to detect disconnections.
func (c *Client) readPump() {
	defer c.hub.Unregister(c)
	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) close() {}
