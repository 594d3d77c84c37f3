// Package live serves the evaluation queue's read-only stats snapshot
// to WebSocket subscribers, complementary to the polled object store
// summaries: a dashboard receives queue state pushed on a fixed
// heartbeat rather than on its own poll interval.
package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"evalorchestrator.dev/common"
	"evalorchestrator.dev/evalqueue"
)

// HeartbeatInterval is how often Run broadcasts the current snapshot,
// whether or not it changed, so a subscriber's connection stays
// known-good.
const HeartbeatInterval = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts WebSocket subscribers and broadcasts evalqueue.Stats
// snapshots to all of them on each heartbeat of Run and on each direct
// Broadcast call. A queue state change does not trigger a broadcast by
// itself.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *common.ContextLogger

	done chan struct{}
	once sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub. Call Run with a stats source to start the
// heartbeat loop.
func NewHub(log *common.ContextLogger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log,
		done:    make(chan struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a subscriber. The connection is read-only from the
// client's side; incoming frames are drained and discarded, keeping
// only the ping/pong keepalive alive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("upgrading websocket connection: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 8)}
	h.register(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcast sends stats to every currently connected subscriber,
// dropping any client whose send buffer is full rather than blocking
// the caller.
func (h *Hub) Broadcast(stats evalqueue.Stats) {
	data, err := json.Marshal(stats)
	if err != nil {
		h.logf("marshalling stats snapshot: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logf("dropping slow subscriber")
		}
	}
}

// Run broadcasts source() every HeartbeatInterval until Stop is
// called. Intended to run in its own goroutine for the life of the
// process.
func (h *Hub) Run(source func() evalqueue.Stats) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.Broadcast(source())
		}
	}
}

// Stop ends the Run loop. Safe to call more than once.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) logf(format string, args ...interface{}) {
	if h.log != nil {
		h.log.Errorf(format, args...)
	}
}
