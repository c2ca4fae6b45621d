// ABOUTME: In-process event bus shared by the registry and plugins.
// ABOUTME: Publishes lifecycle notifications such as plugin-activated to subscribers.

package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Lifecycle events emitted by the registry.
const (
	EventPluginRegistered   = "plugin-registered"
	EventPluginActivated    = "plugin-activated"
	EventPluginDeactivated  = "plugin-deactivated"
	EventPluginUnregistered = "plugin-unregistered"
)

// BusEvent is a published notification.
type BusEvent struct {
	ID     string
	Name   string
	Plugin string
	Time   time.Time
	Data   map[string]any
}

// BusHandler processes a published event.
type BusHandler func(ctx context.Context, ev BusEvent) error

type subscription struct {
	id      uint64
	handler BusHandler
}

// EventBus is a synchronous publish/subscribe bus. Subscribing to "*"
// receives every event.
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	logger   zerolog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers handler for name and returns a function removing it.
func (b *EventBus) Subscribe(name string, handler BusHandler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[name]
		for i, s := range subs {
			if s.id == id {
				b.handlers[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to matching handlers in subscription order. Handler
// errors and panics are logged and do not stop delivery.
func (b *EventBus) Publish(ctx context.Context, ev BusEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	// Handlers run outside the lock so they may subscribe or publish themselves.
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.handlers[ev.Name])+len(b.handlers["*"]))
	matched = append(matched, b.handlers[ev.Name]...)
	if ev.Name != "*" {
		matched = append(matched, b.handlers["*"]...)
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Str("event", ev.Name).
		Str("plugin", ev.Plugin).
		Int("subscribers", len(matched)).
		Msg("event emitted")

	for _, s := range matched {
		if err := b.call(ctx, s.handler, ev); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", ev.Name).
				Msg("event handler error")
		}
	}
}

func (b *EventBus) call(ctx context.Context, h BusHandler, ev BusEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
