// Package dashboard broadcasts double-buffer lifecycle events (phase
// transitions, checkpoint and swap outcomes) to connected websocket
// clients, and serves a read-only snapshot of tracked conversations. No
// dashboard UI is implemented; this package only serves the data feed.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbproxy/dbproxy/internal/bus"
	"github.com/dbproxy/dbproxy/internal/identity"
	. "github.com/dbproxy/dbproxy/internal/logging"
	"github.com/dbproxy/dbproxy/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the JSON shape pushed to every connected client.
type wireEvent struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster owns the set of connected dashboard websocket clients and
// fans bus events out to each of them.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	reg     *identity.Registry
}

// New creates a broadcaster backed by the given conversation registry,
// used to build the initial snapshot sent to newly connected clients.
func New(reg *identity.Registry) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
		reg:     reg,
	}
	for _, topic := range []bus.Topic{bus.TopicPhaseTransition, bus.TopicCheckpoint, bus.TopicSwap} {
		bus.SubscribeEvent(topic, b.onEvent)
	}
	return b
}

func (b *Broadcaster) onEvent(e bus.Event) {
	b.broadcast(wireEvent{Type: string(e.Topic), Data: e.Data, Timestamp: e.Timestamp})
}

func (b *Broadcaster) broadcast(evt wireEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		L_warn("dashboard: failed to marshal event", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// ServeWS upgrades the request to a websocket connection, sends the
// current snapshot of every tracked conversation, then keeps the
// connection open to receive broadcast events. Incoming text messages of
// type "reset_conversation" reset the matching manager, mirroring
// /v1/_reset for dashboard-driven resets.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("dashboard: websocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	count := len(b.clients)
	b.mu.Unlock()
	metrics.DashboardClients.Set(float64(count))
	L_debug("dashboard: client connected", "total", count)

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		count := len(b.clients)
		b.mu.Unlock()
		metrics.DashboardClients.Set(float64(count))
		conn.Close()
		L_debug("dashboard: client disconnected", "total", count)
	}()

	initial := wireEvent{Type: "initial_state", Data: b.snapshots(), Timestamp: time.Now()}
	if payload, err := json.Marshal(initial); err == nil {
		conn.WriteMessage(websocket.TextMessage, payload)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		b.handleClientMessage(data)
	}
}

func (b *Broadcaster) handleClientMessage(data []byte) {
	var msg struct {
		Type   string `json:"type"`
		ConvID string `json:"conv_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		L_warn("dashboard: invalid client message", "error", err)
		return
	}
	if msg.Type != "reset_conversation" {
		return
	}
	for _, m := range b.reg.GetByPrefix(msg.ConvID) {
		m.Reset("dashboard")
	}
	L_info("dashboard: reset via websocket", "conv_id", msg.ConvID)
}

func (b *Broadcaster) snapshots() []any {
	managers := b.reg.Snapshot()
	out := make([]any, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Snapshot())
	}
	return out
}

// ConnectionCount returns the number of connected dashboard clients.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ConversationDetail serves /dashboard/api/conversation/{key}-style
// lookups: the first manager whose key starts with prefix, or nil.
func (b *Broadcaster) ConversationDetail(prefix string) (any, bool) {
	matches := b.reg.GetByPrefix(prefix)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0].Snapshot(), true
}
