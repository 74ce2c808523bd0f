package eventbus

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// Handler processes one dispatched envelope. It returns an error only for
// logging purposes — protocol errors are never fatal to the bus (spec.md
// §7: malformed/unknown events are logged and dropped, never crash).
type Handler func(env model.Envelope) error

type registration struct {
	kind     model.EventKind
	required []string
	fn       Handler
}

// Registry is an ordered, append-only sequence of (event_kind, required
// fields, handler) registrations, dispatched synchronously in insertion
// order on the receiving goroutine (spec.md §4.5, §9 "global event-handler
// list with insertion-order dispatch").
type Registry struct {
	mu   sync.Mutex
	regs []registration
}

// Register appends a handler for kind. required lists the content field
// names that must be present for the handler to be invoked; an envelope
// missing any of them is rejected without invoking the handler (spec.md
// §4.1 "event dispatch... registry keyed by event_kind").
func (r *Registry) Register(kind model.EventKind, required []string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, registration{kind: kind, required: required, fn: fn})
}

// Dispatch runs every registered handler for env's kind, in registration
// order, synchronously. Handlers whose required fields are missing are
// skipped and logged; a handler returning an error is logged and does not
// prevent later handlers from running.
func (r *Registry) Dispatch(env model.Envelope) {
	kind := env.Kind()
	r.mu.Lock()
	matches := make([]registration, 0, 1)
	for _, reg := range r.regs {
		if reg.kind == kind {
			matches = append(matches, reg)
		}
	}
	r.mu.Unlock()

	if len(matches) == 0 {
		log.Printf("eventbus: no handler registered for event kind %q (serial=%s)", kind, env.Serial)
		return
	}

	for _, reg := range matches {
		if !hasFields(env.Contents, reg.required) {
			log.Printf("eventbus: dropping %q event for serial %s: missing required fields %v", kind, env.Serial, reg.required)
			continue
		}
		if err := reg.fn(env); err != nil {
			log.Printf("eventbus: handler for %q (serial=%s) returned error: %v", kind, env.Serial, err)
		}
	}
}

func hasFields(contents map[string]any, required []string) bool {
	for _, f := range required {
		if _, ok := contents[f]; !ok {
			return false
		}
	}
	return true
}

// Conn is one framed, bidirectional socket carrying envelopes in both
// directions. Writes are serialized; reads are delivered to a Registry one
// at a time, in arrival order, on ReadLoop's goroutine (spec.md §5:
// "Event handlers for a given socket execute in arrival order").
type Conn struct {
	conn net.Conn

	writeMu sync.Mutex
}

// NewConn wraps an already-established net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send frames and writes env. Safe for concurrent use.
func (c *Conn) Send(env model.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteEnvelope(c.conn, env)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadLoop reads framed envelopes until the connection closes or ctx-like
// exiting is signalled by closing the connection, dispatching each to reg.
// It returns the terminal read error (io.EOF on a clean close).
func (c *Conn) ReadLoop(reg *Registry) error {
	for {
		env, err := ReadEnvelope(c.conn)
		if err != nil {
			return fmt.Errorf("eventbus read loop: %w", err)
		}
		reg.Dispatch(env)
	}
}
