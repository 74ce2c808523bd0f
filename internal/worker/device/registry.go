package device

import "github.com/evolvablehardware/iCEFARM/internal/model"

// EventHandler is a uniform state event handler: given content values
// extracted positionally per its registered required-field list, it
// performs the state's work and reports whether it consumed the event.
type EventHandler func(values []any) bool

type handlerEntry struct {
	required []string
	fn       EventHandler
}

// EventRegistry is a per-state-instance table of (event_kind -> handler),
// populated once in the state's constructor and consulted uniformly by
// HandleEvent. An event whose required fields are absent is rejected
// without invoking the handler.
type EventRegistry struct {
	handlers map[model.EventKind]handlerEntry
}

// NewEventRegistry returns an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{handlers: make(map[model.EventKind]handlerEntry)}
}

// Register adds kind's handler. required lists the content field names
// extracted, in order, and passed to fn.
func (r *EventRegistry) Register(kind model.EventKind, required []string, fn EventHandler) {
	r.handlers[kind] = handlerEntry{required: required, fn: fn}
}

// Dispatch looks up kind, extracts its required fields positionally from
// contents, and invokes the handler. Returns false if kind is
// unregistered or a required field is missing.
func (r *EventRegistry) Dispatch(kind model.EventKind, contents map[string]any) bool {
	entry, ok := r.handlers[kind]
	if !ok {
		return false
	}
	values := make([]any, len(entry.required))
	for i, field := range entry.required {
		v, present := contents[field]
		if !present {
			return false
		}
		values[i] = v
	}
	return entry.fn(values)
}
