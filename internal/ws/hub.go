package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds a single frame write to a client.
	writeTimeout = 5 * time.Second

	// pongWait is the read deadline, refreshed on every pong. A client that
	// stays silent longer than this is treated as gone.
	pongWait = 45 * time.Second

	// pingPeriod must be shorter than pongWait so the deadline is refreshed
	// before it can fire.
	pingPeriod = pongWait * 2 / 3

	// sendBufSize absorbs the burst a single poll tick can fan out when many
	// watched runs change at once. Clients that fall further behind than this
	// are disconnected rather than backpressuring the engine.
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves localhost only; origin checks belong to a proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients for every event.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub manages WebSocket client connections and fans update-engine events
// out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// client represents one connected WebSocket client.
type client struct {
	id   string
	conn *websocket.Conn

	// send carries outgoing payloads to writePump. It is never closed:
	// engine poll goroutines may be broadcasting into it at any moment.
	// Teardown is signalled through done instead.
	send chan []byte
	done chan struct{}
	once sync.Once
}

// shutdown tells writePump to tear the connection down. Safe to call from
// any goroutine, any number of times.
func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Run blocks until ctx is cancelled, then closes all active connections and
// refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Broadcast sends one event envelope to every connected client. Callers are
// the update engine's callbacks, so Broadcast never blocks: a client whose
// buffer is full is disconnected instead. Broadcast is safe to call from
// any number of goroutines concurrently with client disconnects.
func (h *Hub) Broadcast(event string, data any) {
	msg := Message{Event: event, Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws: marshal broadcast", "event", event, "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		case <-c.done:
			// Client is already tearing down; drop the message.
		default:
			slog.Warn("ws: client too slow, disconnecting", "client", c.id)
			h.unregister(c)
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client
// until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)

	slog.Debug("ws: client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// unregister removes the client from the fan-out set and signals its
// writePump to close the connection. Idempotent: the disconnecting client's
// ServeHTTP defer and a concurrent Broadcast slow-client path may both land
// here for the same client.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.shutdown()
	}
}

// writePump is the sole writer on the connection and the sole owner of its
// teardown. It drains send, emits ping frames, and exits on done or on the
// first write error.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes frames so pong and close control messages are processed
// and disconnects are detected. Clients never send data frames, so the read
// limit stays small. Blocks until the connection closes.
func (c *client) readPump() {
	c.conn.SetReadLimit(256)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
