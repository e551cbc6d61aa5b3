// Package bus is the in-process event bus connecting the agent core to
// transport-facing forwarders. Each agent owns one Bus; handlers are
// invoked synchronously in registration order.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event is one typed bus event. Type matches the protocol event types;
// Payload is event-specific.
type Event struct {
	Type    string
	TaskID  string
	Payload any
}

// Handler consumes one event. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(Event)

type registration struct {
	id      string
	types   map[string]bool // nil = all types
	handler Handler
}

// Bus fans events out to registered handlers.
type Bus struct {
	mu   sync.RWMutex
	regs []registration
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given event types (all types when none are
// given) and returns an opaque handler ID for Unsubscribe.
func (b *Bus) Subscribe(h Handler, types ...string) string {
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.regs = append(b.regs, registration{id: id, types: filter, handler: h})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a handler by ID. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.regs {
		if reg.id == id {
			b.regs = append(b.regs[:i], b.regs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to matching handlers in registration order. A
// panicking handler is logged and skipped; delivery continues.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	regs := make([]registration, len(b.regs))
	copy(regs, b.regs)
	b.mu.RUnlock()

	for _, reg := range regs {
		if reg.types != nil && !reg.types[ev.Type] {
			continue
		}
		b.deliver(reg, ev)
	}
}

func (b *Bus) deliver(reg registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", ev.Type, "handler", reg.id, "panic", r)
		}
	}()
	reg.handler(ev)
}

// HandlerCount reports registered handlers, for shutdown diagnostics.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.regs)
}
