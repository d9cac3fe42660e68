package chat

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks live connections by routing key and fans messages out to
// them. The registry lock only guards key lookup; each key carries its
// own mutex, so a slow recipient under one key never delays delivery
// under another.
type Hub struct {
	mu   sync.RWMutex
	keys map[string]*keyGroup
	log  *zap.Logger
}

type keyGroup struct {
	mu    sync.Mutex
	conns map[*Client]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		keys: make(map[string]*keyGroup),
		log:  log,
	}
}

// Register adds a connection under a routing key. Multiple simultaneous
// registrations under the same key are allowed; all of them receive
// broadcasts.
func (h *Hub) Register(key string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g := h.keys[key]
	if g == nil {
		g = &keyGroup{conns: make(map[*Client]struct{})}
		h.keys[key] = g
	}
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

// Deregister removes exactly this connection, leaving others under the
// same key untouched. Safe to call for connections that were never
// registered, and safe to call twice.
func (h *Hub) Deregister(key string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g := h.keys[key]
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.conns, c)
	empty := len(g.conns) == 0
	g.mu.Unlock()
	if empty {
		delete(h.keys, key)
	}
}

// Broadcast delivers payload to every connection currently registered
// under key, in invocation order (the per-key lock is the serialization
// point). A connection that cannot accept the payload is treated as lost:
// it is dropped and shut down, and delivery continues to the rest.
func (h *Hub) Broadcast(key string, payload []byte) {
	h.mu.RLock()
	g := h.keys[key]
	h.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	for c := range g.conns {
		if !c.enqueue(payload) {
			delete(g.conns, c)
			c.shutdown()
			h.log.Warn("dropping unresponsive connection",
				zap.String("key", key),
				zap.String("conn", c.id))
		}
	}
	g.mu.Unlock()
}
