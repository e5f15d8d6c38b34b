// Package eventhub fans the scheduler's lifecycle event stream out over
// WebSocket connections, grounded in the teacher's control_plane/ws_hub.go
// MetricsHub: same single-broadcaster-goroutine shape, same connection cap
// and register/unregister channels, adapted from a 1-second dashboard
// metrics tick to forwarding each events.Event as it's published (the
// source here is already push-based, so there's no ticker to drive).
package eventhub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskflux/taskflux/events"
)

const maxConnections = 200

// Hub broadcasts every event published on a *events.Stream to all
// connected WebSocket clients.
type Hub struct {
	stream *events.Stream

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// New wires a Hub to stream; call Run to start forwarding.
func New(stream *events.Stream) *Hub {
	return &Hub{
		stream:     stream,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run consumes the scheduler's event stream and forwards each event to
// every registered client until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.stream.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("eventhub: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-sub.C():
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(eventPayload(ev)); err != nil {
			log.Printf("eventhub: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// eventPayload strips the error type down to a plain string so
// encoding/json can marshal it (error values don't round-trip otherwise).
func eventPayload(ev events.Event) map[string]interface{} {
	payload := map[string]interface{}{
		"taskId": ev.TaskID,
		"kind":   ev.Kind,
	}
	if ev.Result.IsErr {
		payload["error"] = ev.Result.Err.Error()
	} else {
		payload["value"] = ev.Result.Value
	}
	return payload
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
