// Package wsbridge is the minimal local bridge between IMQ's in-process
// event bus and WebSocket observers, adapted from the teacher's
// MetricsHub (control_plane/ws_hub.go): a mutex-guarded client
// registry, a bounded connection count, and a graceful Shutdown that
// closes every connection. Unlike MetricsHub, which polls and broadcasts a snapshot
// on a ticker, Bridge forwards each eventbus.Event the instant it is
// published — the "streaming channel" spec.md §1 describes, with the
// REST/dashboard surface itself out of scope (spec.md §1).
package wsbridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/octoqueue/imq/internal/eventbus"
)

const maxConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge forwards every published eventbus.Event to connected WebSocket
// clients as JSON. It subscribes to the bus for its own lifetime.
type Bridge struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	sub eventbus.Subscription
}

// New subscribes to bus and returns a Bridge ready to accept
// connections via ServeHTTP.
func New(bus *eventbus.Bus) *Bridge {
	b := &Bridge{clients: make(map[*websocket.Conn]struct{})}
	b.sub = bus.Subscribe(b.onEvent)
	return b
}

// onEvent is the eventbus.Handler registered against the bus. Per
// spec.md §6, handlers must be idempotent and non-blocking; broadcast
// never blocks on a slow client (each conn write runs on its own
// goroutine with its own failure handled independently).
func (b *Bridge) onEvent(evt eventbus.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		go func(c *websocket.Conn) {
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				b.remove(c)
			}
		}(c)
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket connection and
// registers it for event forwarding until the client disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	full := len(b.clients) >= maxConnections
	b.mu.Unlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsbridge: upgrade: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	log.Printf("wsbridge: client connected, total %d", count)

	go b.readLoop(conn)
}

// readLoop drains (and discards) client frames until a read fails,
// typically because the client closed the connection, then unregisters it.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer b.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bridge) remove(conn *websocket.Conn) {
	b.mu.Lock()
	if _, ok := b.clients[conn]; ok {
		delete(b.clients, conn)
		conn.Close()
	}
	count := len(b.clients)
	b.mu.Unlock()
	log.Printf("wsbridge: client disconnected, total %d", count)
}

// Shutdown unsubscribes from the bus and closes every open connection.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.sub.Unsubscribe()
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		c.Close()
		delete(b.clients, c)
	}
}
