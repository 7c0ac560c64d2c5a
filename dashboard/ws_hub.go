package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
	"github.com/itskum47/PuppetLens/dashboard/streaming"
)

const (
	maxWSConnections = 200
	hubBacklog       = 64
)

// StreamMessage is what stream clients receive.
type StreamMessage struct {
	Environment string          `json:"environment"`
	Mode        string          `json:"mode,omitempty"`
	Stale       bool            `json:"stale,omitempty"`
	Response    rollup.Response `json:"response"`
	Timestamp   int64           `json:"timestamp"`
}

// RollupHub pushes refreshed rollups to WebSocket clients subscribed to an
// environment. It is a streaming.Publisher so the refresher can feed it
// directly. A single goroutine owns all writes.
type RollupHub struct {
	// clients maps connection to environment
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	broadcast  chan StreamMessage
	done       chan struct{}
	mu         sync.RWMutex
}

type registration struct {
	conn    *websocket.Conn
	env     string
	initial *StreamMessage
}

// NewRollupHub creates a new WebSocket hub.
func NewRollupHub() *RollupHub {
	return &RollupHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan StreamMessage, hubBacklog),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *RollupHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[STREAM] Connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.env
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			log.Printf("[STREAM] Client registered for %s. Total: %d", reg.env, total)
			if reg.initial != nil {
				h.send(reg.conn, *reg.initial)
			}

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.broadcastEnv(msg)
		}
	}
}

func (h *RollupHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		observability.StreamClients.Set(float64(total))
		log.Printf("[STREAM] Client unregistered. Total: %d", total)
	}
}

// broadcastEnv sends msg to every client of its environment.
func (h *RollupHub) broadcastEnv(msg StreamMessage) {
	h.mu.RLock()
	var targets []*websocket.Conn
	for conn, env := range h.clients {
		if env == msg.Environment {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		h.send(conn, msg)
	}
}

func (h *RollupHub) send(conn *websocket.Conn, msg StreamMessage) {
	// Set write deadline to prevent blocking on dead connections
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[STREAM] Write error: %v", err)
		h.remove(conn)
	}
}

// shutdown gracefully closes all client connections.
func (h *RollupHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	log.Printf("[STREAM] Shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.StreamClients.Set(0)
}

// Register adds a client for env. initial, if set, is sent before any
// broadcast so the client starts with a full picture.
func (h *RollupHub) Register(conn *websocket.Conn, env string, initial *StreamMessage) {
	select {
	case h.register <- registration{conn: conn, env: rollup.NormalizeEnvironment(env), initial: initial}:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *RollupHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *RollupHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements streaming.Publisher. Rollup updates are queued for
// broadcast; other topics are ignored. A full backlog drops the update,
// the next refresh supersedes it anyway.
func (h *RollupHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	if topic != streaming.TopicRollupUpdated {
		return nil
	}
	ev, ok := payload.(rollup.UpdateEvent)
	if !ok {
		return nil
	}
	msg := StreamMessage{
		Environment: ev.Environment,
		Mode:        ev.Mode,
		Response:    ev.Response,
		Timestamp:   time.Now().Unix(),
	}
	select {
	case h.broadcast <- msg:
	default:
		observability.EventPublishFailures.WithLabelValues(topic, "hub_backlog_full").Inc()
	}
	return nil
}

// Close implements streaming.Publisher. Connections are closed by Run when
// its context ends.
func (h *RollupHub) Close() error {
	return nil
}
