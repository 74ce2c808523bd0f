package manager

import (
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/api"
)

var _ api.Reserver = (*Manager)(nil)

// RegisterBusHandlers wires reg to dispatch inbound client envelopes into
// per-device state machines. A worker's event-bus listener shares one
// Registry across every accepted (client, worker) socket (spec.md §4.5),
// so registration happens once at startup, not per connection.
func (m *Manager) RegisterBusHandlers(reg *eventbus.Registry) {
	reg.Register(model.EventEvaluate, []string{"batch_id", "serials", "files"}, m.handleEvaluate)
}

// handleEvaluate fans one evaluate envelope out to every serial it names:
// each recipient device's current state gets its own fresh contents map
// (batch_id and files only), so no shared envelope is mutated and the
// recipient's identity comes from the device it is delivered to.
func (m *Manager) handleEvaluate(env model.Envelope) error {
	for _, serial := range serialsOf(env.Contents["serials"]) {
		if serial == "" {
			continue
		}
		d := m.deviceByID(serial)
		if d == nil {
			m.logger.Printf("evaluate for unknown serial %s", serial)
			continue
		}
		if !d.HandleEvent(model.EventEvaluate, map[string]any{
			"batch_id": env.Contents["batch_id"],
			"files":    env.Contents["files"],
		}) {
			m.logger.Printf("evaluate for %s: no handler in current state", serial)
		}
	}
	return nil
}

// serialsOf normalises the "serials" field, which arrives as []string when
// built in-process and as []any once it has round-tripped through JSON.
func serialsOf(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, raw := range vs {
			if s, ok := raw.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
