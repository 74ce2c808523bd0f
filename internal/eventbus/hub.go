package eventbus

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// Hub is the control-side event bus: one socket per client, addressed by
// client_id. Events pushed to a client are looked up by client_id; an
// undeliverable event (no connected socket) is dropped, never queued —
// spec.md §4.5: "clients are expected to reconnect and re-query state".
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHub constructs an empty control-side hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Register associates clientID with an already-accepted connection,
// replacing any prior connection for that client.
func (h *Hub) Register(clientID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[clientID]; ok {
		old.Close()
	}
	h.conns[clientID] = c
}

// Unregister removes clientID's connection if it is still the one given.
func (h *Hub) Unregister(clientID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[clientID]; ok && cur == c {
		delete(h.conns, clientID)
	}
}

// Send addresses env to clientID's socket. Returns false if the client has
// no connected socket — the caller logs and drops per spec.md §4.5/§7.
func (h *Hub) Send(clientID string, env model.Envelope) bool {
	h.mu.Lock()
	c, ok := h.conns[clientID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	if err := c.Send(env); err != nil {
		log.Printf("eventbus hub: send to client %s failed: %v", clientID, err)
		return false
	}
	return true
}

// Broadcast addresses env to every connected client (used for
// devices_available, spec.md §6).
func (h *Hub) Broadcast(env model.Envelope) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(env); err != nil {
			log.Printf("eventbus hub: broadcast send failed: %v", err)
		}
	}
}

// Accept performs the connect handshake (read the initiator's
// {client_id} envelope), registers the connection under that client_id,
// then runs its read loop until the connection closes. It blocks; call it
// from its own goroutine per accepted connection.
func (h *Hub) Accept(nc net.Conn, reg *Registry) error {
	c := NewConn(nc)
	hello, err := ReadEnvelope(nc)
	if err != nil {
		c.Close()
		return fmt.Errorf("eventbus hub: handshake read failed: %w", err)
	}
	clientID, _ := hello.Contents["client_id"].(string)
	if clientID == "" {
		c.Close()
		return fmt.Errorf("eventbus hub: handshake missing client_id")
	}

	h.Register(clientID, c)
	defer h.Unregister(clientID, c)
	defer c.Close()

	err = c.ReadLoop(reg)
	log.Printf("eventbus hub: client %s disconnected: %v", clientID, err)
	return nil
}
