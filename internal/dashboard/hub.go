package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// message is a serialized payload scoped to one execution ("" = global)
type message struct {
	executionID string
	payload     []byte
}

// Hub maintains active WebSocket connections and fans coordinator events out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      int32
	dropped    int64
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub loop and returns when ctx is cancelled. A hub cannot be
// restarted.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			atomic.StoreInt32(&h.count, 0)
			return

		case client := <-h.register:
			h.clients[client] = true
			atomic.StoreInt32(&h.count, int32(len(h.clients)))
			logging.Debug("dashboard", "WebSocket client connected", map[string]interface{}{
				"clients":      len(h.clients),
				"execution_id": client.executionID,
			})

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				atomic.StoreInt32(&h.count, int32(len(h.clients)))
				logging.Debug("dashboard", "WebSocket client disconnected", map[string]interface{}{
					"clients": len(h.clients),
				})
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(msg.executionID) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Client's send channel is full, close it
					delete(h.clients, client)
					close(client.send)
					atomic.StoreInt32(&h.count, int32(len(h.clients)))
				}
			}
		}
	}
}

// Publish implements workflow.EventPublisher. It never blocks; events are
// dropped when the hub falls behind.
func (h *Hub) Publish(event workflow.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warn("dashboard", "Failed to encode event", map[string]interface{}{
			"execution_id": event.ExecutionID,
			"type":         string(event.Type),
			"error":        err.Error(),
		})
		return
	}
	h.send(event.ExecutionID, payload)
}

func (h *Hub) send(executionID string, payload []byte) {
	select {
	case h.broadcast <- message{executionID: executionID, payload: payload}:
	default:
		atomic.AddInt64(&h.dropped, 1)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return int(atomic.LoadInt32(&h.count))
}

// Dropped returns how many messages were discarded because the hub was full
func (h *Hub) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// ServeWS upgrades the request and registers a client. An optional
// ?execution=<id> query parameter limits the stream to one execution.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		executionID: r.URL.Query().Get("execution"),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Client represents a WebSocket client connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	executionID string
}

func (c *Client) wants(executionID string) bool {
	return c.executionID == "" || executionID == "" || c.executionID == executionID
}

// readPump drains the connection so control frames are processed
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("dashboard", "WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
