package controller

import (
	"context"
	"log/slog"
	"sync"

	"swapdmt/internal/gateway"
)

// ConnectionManager opens and closes the gateway link and owns the
// session's connectivity flag.
type ConnectionManager struct {
	// mu serializes Connect and Disconnect end to end. It is never held
	// together with the session lock.
	mu sync.Mutex

	gw      gateway.Gateway
	session *Session
	view    View
	events  *EventBus
	logger  *slog.Logger
}

// NewConnectionManager creates a connection manager sharing session.
func NewConnectionManager(gw gateway.Gateway, session *Session, view View, events *EventBus, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		gw:      gw,
		session: session,
		view:    view,
		events:  events,
		logger:  logger.With("component", "connection"),
	}
}

// Connect opens the link. Each attempt starts a new session epoch: the
// registry is emptied and the view refreshed before the gateway is opened,
// so motes discovered right after the link comes up are kept. Failures are
// reported, not returned. Concurrent callers wait for the attempt in progress
// and return its outcome without clearing the registry again.
func (cm *ConnectionManager) Connect(ctx context.Context) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.session.IsConnected() {
		return true
	}

	cm.session.withLock(func(r *Registry) {
		r.Clear()
		refreshView(cm.view, nil)
	})

	// Gateway I/O runs outside the session lock; the event path needs it.
	if err := cm.gw.Connect(ctx); err != nil {
		reportError(cm.events, cm.logger, "connect", err)
		cm.emitState(false)
		return false
	}

	cm.session.withLock(func(*Registry) { cm.session.connected = true })
	cm.logger.Info("connected", "port", cm.gw.SerialPort(), "speed", cm.gw.SerialSpeed())
	cm.emitState(true)
	return true
}

// Disconnect closes the link. The flag is cleared whatever the outcome.
func (cm *ConnectionManager) Disconnect() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	err := cm.gw.Disconnect()
	cm.session.withLock(func(*Registry) { cm.session.connected = false })
	cm.emitState(false)
	if err != nil {
		reportError(cm.events, cm.logger, "disconnect", err)
		return false
	}
	cm.logger.Info("disconnected")
	return true
}

// linkLost clears the flag after the gateway dropped the link on its own.
func (cm *ConnectionManager) linkLost(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var was bool
	cm.session.withLock(func(*Registry) {
		was = cm.session.connected
		cm.session.connected = false
	})
	if !was {
		return
	}
	reportError(cm.events, cm.logger, "link", err)
	cm.emitState(false)
}

func (cm *ConnectionManager) IsConnected() bool {
	return cm.session.IsConnected()
}

func (cm *ConnectionManager) emitState(connected bool) {
	cm.events.Emit(Event{Type: EventConnectionState, Data: ConnectionData{Connected: connected}})
}
