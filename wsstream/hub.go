// Package wsstream is a bounded-connection websocket hub that
// broadcasts recent pipeline decisions to a debug dashboard. Grounded
// on control_plane/ws_hub.go's MetricsHub (register/unregister
// channels, ticker-driven broadcast, connection cap), retargeted from
// per-tenant dashboard metrics to a single global feed of whatever the
// Source returns (cmd/triaged wires the timeline.Store, so the feed is
// recent timeline.Events) — this pipeline has no tenant concept (spec.md
// Non-goal: does not authenticate users).
package wsstream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ridgeline/triagecore/observability"
)

const maxConnections = 200

// Source supplies the events to broadcast each tick.
type Source interface {
	Recent(limit int) []interface{}
}

// Hub manages websocket connections and broadcasts recent decisions.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	source     Source
	interval   time.Duration
}

func NewHub(source Source, interval time.Duration) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		source:     source,
		interval:   interval,
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

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
				log.Printf("[wsstream] connection rejected: max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			observability.WebsocketClients.Set(float64(h.ClientCount()))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			observability.WebsocketClients.Set(float64(h.ClientCount()))

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	events := h.source.Recent(50)
	if len(events) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(events); err != nil {
			log.Printf("[wsstream] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *Hub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
