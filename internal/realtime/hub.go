package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Publisher publishes identity events for cross-instance delivery.
type Publisher interface {
	PublishIdentityEvent(identityID uuid.UUID, event string, payload []byte) error
}

// Subscriber subscribes to identity channels and invokes handler for
// incoming events.
type Subscriber interface {
	SubscribeIdentity(identityID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains identity -> set of connections and pushes library and
// lifecycle events to every device the identity has connected. One Redis
// subscription per identity bridges instances; it is established with the
// first local client and torn down with the last.
type Hub struct {
	// identityID -> map[clientID]*Client
	rooms  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func() // cancel Redis subscription per identity
	mu     sync.RWMutex
	logger *zap.Logger
	pub    Publisher
	sub    Subscriber
}

// NewHub creates a new WebSocket hub. pub and sub may be nil for
// single-instance deployments.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	return &Hub{
		rooms:  make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to its identity's room, starting the Redis
// subscription when it is the first connection for that identity.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.IdentityID] == nil {
		h.rooms[c.IdentityID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeIdentity(c.IdentityID, func(event string, payload []byte) {
				h.broadcast(c.IdentityID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("identity subscription failed", zap.String("identity", c.IdentityID.String()), zap.Error(err))
			} else {
				h.subs[c.IdentityID] = cancel
			}
		}
	}
	h.rooms[c.IdentityID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("identity", c.IdentityID.String()))
}

// Unregister removes a client, canceling the Redis subscription when the
// last connection for the identity leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.IdentityID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.IdentityID)
			if cancel, ok := h.subs[c.IdentityID]; ok {
				cancel()
				delete(h.subs, c.IdentityID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("identity", c.IdentityID.String()))
}

// broadcast delivers a message to all local clients of an identity.
func (h *Hub) broadcast(identityID uuid.UUID, event string, payload interface{}) {
	var data json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[identityID]))
	for _, c := range h.rooms[identityID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// send buffer full; drop rather than block the hub
		}
	}
}

// Notify delivers an event to every device of an identity. With Redis
// configured it publishes only: the subscriber callback performs the local
// broadcast exactly once, so multi-instance delivery never duplicates.
func (h *Hub) Notify(identityID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("notify marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	if h.pub != nil {
		if err := h.pub.PublishIdentityEvent(identityID, event, data); err == nil {
			return
		}
		// fall through to local delivery on publish failure
	}
	h.broadcast(identityID, event, json.RawMessage(data))
}

// SendToClient delivers an event to one specific connection.
func (h *Hub) SendToClient(identityID uuid.UUID, clientID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	h.mu.RLock()
	c := h.rooms[identityID][clientID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

// ClientCount returns the number of connected clients for an identity.
func (h *Hub) ClientCount(identityID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[identityID])
}
