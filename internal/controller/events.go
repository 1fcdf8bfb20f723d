package controller

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventMoteListCleared = "mote_list_cleared"
	EventMoteAdded       = "mote_added"
	EventSyncReceived    = "sync_received"
	EventConnectionState = "connection_state"
	EventNetworkParams   = "network_params"
	EventError           = "error"
)

// Event represents a controller event delivered to presentation layers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SyncData is the payload of EventSyncReceived.
type SyncData struct {
	Address uint8 `json:"address"`
}

// ConnectionData is the payload of EventConnectionState.
type ConnectionData struct {
	Connected bool `json:"connected"`
}

// NetworkParamsData is the payload of EventNetworkParams.
type NetworkParamsData struct {
	Channel   uint8  `json:"channel"`
	NetworkID uint16 `json:"network_id"`
	Security  uint8  `json:"security"`
	Address   uint8  `json:"address"`
	OK        bool   `json:"ok"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for controller events.
//
// Handlers run synchronously on the emitting goroutine, which may hold the
// session lock. They must not call back into the Controller synchronously.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// A panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// reportError logs err and emits it as an operator notice.
func reportError(eb *EventBus, logger *slog.Logger, op string, err error) {
	logger.Error(op+" failed", "err", err)
	if eb != nil {
		eb.Emit(Event{Type: EventError, Data: ErrorData{Op: op, Error: err.Error()}})
	}
}
