// Package monitoring pushes prediction results to websocket subscribers.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type MessageType string

const Prediction MessageType = "prediction"

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	sendBuffer   = 16
)

// Message is the envelope written to subscribers.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans prediction results out to connected websocket clients. New clients
// receive the most recent result right away.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu     sync.RWMutex
	latest []byte

	connected atomic.Int64
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	clients := make(map[*client]bool)
	drop := func(c *client) {
		if clients[c] {
			delete(clients, c)
			close(c.send)
			h.connected.Add(-1)
		}
	}

	for {
		select {
		case c := <-h.register:
			clients[c] = true
			h.connected.Add(1)
			if latest := h.Latest(); latest != nil {
				c.send <- latest
			}
			h.log.Info("client connected", zap.String("client", c.id), zap.Int("clients", len(clients)))

		case c := <-h.unregister:
			drop(c)
			h.log.Info("client disconnected", zap.String("client", c.id), zap.Int("clients", len(clients)))

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warn("client too slow, dropping", zap.String("client", c.id))
					drop(c)
				}
			}

		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return
		}
	}
}

// Publish wraps a serialized prediction batch and queues it for every client.
func (h *Hub) Publish(body []byte) {
	msg, err := json.Marshal(Message{
		Type:      Prediction,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(body),
	})
	if err != nil {
		h.log.Error("encode prediction message", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.latest = msg
	h.mu.Unlock()

	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn("broadcast queue full, dropping prediction message")
	}
}

// Latest returns the last published message, or nil.
func (h *Hub) Latest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Clients reports how many subscribers are connected.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
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
				h.log.Debug("websocket write failed", zap.String("client", c.id), zap.Error(err))
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

// readPump only watches for the connection going away; clients send nothing
// meaningful.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}
