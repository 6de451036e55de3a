// Package wsnotify pushes handshake outcomes to the originating UI client
// over a websocket. The connect URL carries the ws_client_id the hub
// assigned on upgrade; when the callback lands, the API publishes success or
// error to exactly that client.
package wsnotify

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/logger"
)

// MessageType discriminates hub-to-client envelopes.
type MessageType string

// Envelope types pushed to clients.
const (
	// MessageConnectionAck is sent once after upgrade and carries the
	// assigned ws_client_id.
	MessageConnectionAck MessageType = "connection_ack"
	MessageSuccess       MessageType = "success"
	MessageError         MessageType = "error"
)

// Message is the envelope pushed to a UI client. Fields are populated per
// type: the ack carries WSClientID, success carries the connection coords,
// error carries the stable code and description.
type Message struct {
	Type              MessageType `json:"message_type"`
	WSClientID        string      `json:"ws_client_id,omitempty"`
	ProviderConfigKey string      `json:"provider_config_key,omitempty"`
	ConnectionID      string      `json:"connection_id,omitempty"`
	IsPending         bool        `json:"is_pending,omitempty"`
	ErrorType         string      `json:"error_type,omitempty"`
	ErrorDesc         string      `json:"error_desc,omitempty"`
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	// maxInboundBytes caps inbound frames; clients never send application
	// data on this socket.
	maxInboundBytes = 512
)

// Clients connect from tenant UIs on arbitrary origins; the socket only
// carries broker-pushed status for the id assigned on this same connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	// mu serializes writes; gorilla allows one concurrent writer.
	mu sync.Mutex
}

func (c *client) write(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop drains inbound frames until the peer closes the socket.
func (c *client) readLoop() {
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub tracks connected UI clients by their assigned id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: map[string]*client{}}
}

// ServeHTTP upgrades the request, assigns a ws_client_id, sends the ack, and
// holds the connection open until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	defer h.unregister(c.id)

	if err := c.write(&Message{Type: MessageConnectionAck, WSClientID: c.id}); err != nil {
		logger.Debugw("websocket ack failed", "ws_client_id", c.id, "error", err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)

	c.readLoop()
}

// PublishSuccess pushes a finished handshake to the originating client.
// Pending marks app installations still awaiting provider approval.
func (h *Hub) PublishSuccess(clientID, providerConfigKey, connectionID string, pending bool) {
	h.publish(clientID, &Message{
		Type:              MessageSuccess,
		ProviderConfigKey: providerConfigKey,
		ConnectionID:      connectionID,
		IsPending:         pending,
	})
}

// PublishError pushes a failed handshake to the originating client.
func (h *Hub) PublishError(clientID string, code auth.Code, message string) {
	h.publish(clientID, &Message{
		Type:      MessageError,
		ErrorType: string(code),
		ErrorDesc: message,
	})
}

// ClientCount reports how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client. Publishes after Close are no-ops.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[string]*client{}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

// publish writes to one client. A missing id means the browser already left;
// the event is dropped.
func (h *Hub) publish(clientID string, msg *Message) {
	if clientID == "" {
		return
	}
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		logger.Debugw("websocket client not connected", "ws_client_id", clientID)
		return
	}
	if err := c.write(msg); err != nil {
		logger.Debugw("websocket publish failed", "ws_client_id", clientID, "error", err)
	}
}
