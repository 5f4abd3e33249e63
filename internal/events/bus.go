package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers run synchronously on the
// emitting goroutine; slow work belongs behind the dispatcher, not here.
type Handler func(Event)

// Bus is a minimal in-process pub/sub bus.
type Bus struct {
	handlers map[EventType][]Handler
	all      []Handler
	mu       sync.RWMutex
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

// Publish delivers an event to all matching handlers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	matched = append(matched, b.handlers[event.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	for _, handler := range matched {
		handler(event)
	}
}

// Manager couples the bus with structured event logging.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager.
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Emit publishes a typed event and logs it.
func (m *Manager) Emit(module string, data EventData) {
	event := Event{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}

	m.bus.Publish(event)

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(event.Type)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError publishes an ErrorOccurred event.
func (m *Manager) EmitError(module string, err error, context map[string]any) {
	m.Emit(module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}
