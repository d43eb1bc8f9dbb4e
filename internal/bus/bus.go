package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is the in-process event publisher. Subscribers are invoked
// synchronously in Broadcast, so they are expected to hand events off
// (e.g. into a buffered channel) instead of doing I/O.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty MessageBus.
func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber. A panicking subscriber is
// logged and skipped so one bad sink cannot break the pipeline emitting events.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Discard is an EventPublisher that drops everything. Useful as a default sink.
type Discard struct{}

func (Discard) Subscribe(string, EventHandler) {}
func (Discard) Unsubscribe(string)             {}
func (Discard) Broadcast(Event)                {}
