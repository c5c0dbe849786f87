// Package events carries domain events out of workflow runs. Delivery is fire
// and forget: nothing is compensated when an event cannot be delivered.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is a named domain event, e.g. "return.requested".
type Event struct {
	Name      string          `json:"name"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Handler receives events published on a MemoryBus.
type Handler func(ctx context.Context, event Event)

// MemoryBus is an in-process Emitter. It records every event and hands it to
// the subscribers of its name synchronously.
type MemoryBus struct {
	mu          sync.RWMutex
	events      []Event
	subscribers map[string][]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string][]Handler)}
}

func (b *MemoryBus) Emit(ctx context.Context, event Event) error {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.events = append(b.events, event)
	handlers := append([]Handler(nil), b.subscribers[event.Name]...)
	handlers = append(handlers, b.subscribers["*"]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Subscribe registers h for events called name, or for every event when name is "*".
func (b *MemoryBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], h)
}

// Events returns every event emitted so far, in emission order.
func (b *MemoryBus) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.events...)
}

// Named returns the emitted events called name.
func (b *MemoryBus) Named(name string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
