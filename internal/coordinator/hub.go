package coordinator

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/wire"
)

// Hub is the control-channel server: every node (worker, registry, monitor)
// holds one persistent websocket connection to the coordinator, carrying
// JSON {event, payload} envelopes per spec.md §6. Grounded directly on the
// teacher's internal/server/websocket.go Hub, generalized from a
// dashboard-only broadcast fan-out into the actual bidirectional control
// channel: clients here are addressable by node id (Send), not just
// broadcast targets.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	byNode     map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	logger     *observability.Logger
	running    bool

	// dispatch handles an inbound envelope from a client. Set to the
	// Coordinator's HandleEnvelope once both are constructed.
	dispatch func(*Client, *wire.Envelope)
}

// Client is one node's websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	nodeID string
	mu     sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // task payloads (code, checkpoints) can be large
)

// NewHub creates a control-channel hub. dispatch is called for every
// decoded inbound envelope; wire it to Coordinator.HandleEnvelope once the
// coordinator exists.
func NewHub(logger *observability.Logger, dispatch func(*Client, *wire.Envelope)) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byNode:     make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
		dispatch:   dispatch,
	}
}

// Run starts the hub's main loop; call it in its own goroutine.
func (h *Hub) Run() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("control channel hub started")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.mu.RLock()
				nodeID := client.nodeID
				client.mu.RUnlock()
				if nodeID != "" && h.byNode[nodeID] == client {
					delete(h.byNode, nodeID)
				}
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			var deadClients []*Client
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					deadClients = append(deadClients, client)
				}
			}
			h.mu.RUnlock()

			// Removed directly rather than via h.unregister: this goroutine
			// is the sole reader of that channel, so sending into it here
			// would deadlock against itself.
			if len(deadClients) > 0 {
				h.mu.Lock()
				for _, client := range deadClients {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						client.mu.RLock()
						nodeID := client.nodeID
						client.mu.RUnlock()
						if nodeID != "" && h.byNode[nodeID] == client {
							delete(h.byNode, nodeID)
						}
						close(client.send)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop tears down the hub, closing every client's send channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.byNode = make(map[string]*Client)
	h.logger.Info("control channel hub stopped")
}

// BindNode associates client with nodeID, making it reachable via Send.
// Called once the node:register handshake completes.
func (h *Hub) BindNode(client *Client, nodeID string) {
	client.mu.Lock()
	client.nodeID = nodeID
	client.mu.Unlock()

	h.mu.Lock()
	h.byNode[nodeID] = client
	h.mu.Unlock()
}

// Broadcast sends raw bytes to every connected client.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastEnvelope encodes and broadcasts env to every connected client.
func (h *Hub) BroadcastEnvelope(env *wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

// BroadcastEvent publishes a typed system notification on the
// broadcast:event channel, per spec.md §6's migration event list.
func (h *Hub) BroadcastEvent(eventType wire.BroadcastEventType, data map[string]interface{}) {
	env, err := wire.NewEnvelope(wire.EventBroadcastEvent, wire.BroadcastPayload{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("failed to build broadcast envelope", zap.Error(err))
		return
	}
	h.BroadcastEnvelope(env)
}

// Send delivers env to exactly one node's connection, returning false if
// the node has no live client (e.g. it disconnected moments ago).
func (h *Hub) Send(nodeID string, env *wire.Envelope) bool {
	h.mu.RLock()
	client, ok := h.byNode[nodeID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		h.logger.Error("failed to encode envelope", zap.Error(err))
		return false
	}

	select {
	case client.send <- data:
		return true
	default:
		h.unregister <- client
		return false
	}
}

// HandleWebSocket upgrades an HTTP request to a control-channel connection.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("control channel read error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := wire.DecodeEnvelope(message)
		if err != nil {
			c.hub.logger.Warn("dropping malformed control channel frame", zap.Error(err))
			continue
		}
		if c.hub.dispatch != nil {
			c.hub.dispatch(c, env)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NodeID returns the node id bound to this client, or "" before the
// node:register handshake completes.
func (c *Client) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}
