package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shepherd-project/evolver/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// DefaultHeartbeat is used when HubConfig.Heartbeat is zero.
	DefaultHeartbeat = 30 * time.Second
	// DefaultSendBuffer is the per-client queue length.
	DefaultSendBuffer = 256
)

// HubConfig configures a Hub.
type HubConfig struct {
	// Heartbeat is the heartbeat event period. Negative disables it.
	Heartbeat  time.Duration
	SendBuffer int
	// AllowedOrigins lists the accepted Origin headers. "*" accepts any.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	Logger         *logger.Logger
}

// Hub fans events out to every connected client.
type Hub struct {
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex

	heartbeat  time.Duration
	sendBuffer int
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, DefaultSendBuffer),
		done:       make(chan struct{}),
		heartbeat:  cfg.Heartbeat,
		sendBuffer: cfg.SendBuffer,
		log:        cfg.Logger,
	}
	if h.heartbeat == 0 {
		h.heartbeat = DefaultHeartbeat
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultSendBuffer
	}
	if h.log == nil {
		h.log = logger.GetLogger()
	}
	origins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Run delivers events until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(map[string]interface{}{"client": c.id, "clients": n}).Debug("websocket client connected")

		case c := <-h.unregister:
			h.drop(c.id)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-tick:
			data, err := NewHeartbeatEvent(h.ClientCount()).ToJSON()
			if err == nil {
				h.deliver(data)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			h.log.Debug("websocket hub stopped")
			return
		}
	}
}

func (h *Hub) deliver(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client, disconnect it.
			close(c.send)
			delete(h.clients, id)
			h.log.WithField("client", id).Warn("websocket client too slow, dropped")
		}
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		close(c.send)
		delete(h.clients, id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.WithFields(map[string]interface{}{"client": id, "clients": n}).Debug("websocket client disconnected")
	}
}

// Broadcast queues an event for every client. It never blocks; events are
// dropped when the hub is backed up or not running.
func (h *Hub) Broadcast(event *Event) {
	data, err := event.ToJSON()
	if err != nil {
		h.log.WithError(err).Warn("websocket event not encodable")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.WithField("type", string(event.Type)).Debug("websocket broadcast queue full, event dropped")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// writePump pumps messages from the hub to the connection.
func (c *client) writePump() {
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

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("client", c.id).Debug("websocket closed unexpectedly")
			}
			return
		}
	}
}
