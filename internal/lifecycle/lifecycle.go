// Package lifecycle provides event hooks for relay startup, shutdown and peer churn.
package lifecycle

import (
	"sync"

	"github.com/neboloop/tabrelay/internal/logging"
)

// Event types for lifecycle hooks
type Event string

const (
	// Server lifecycle events
	EventServerStarted    Event = "server_started"
	EventShutdownStarted  Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"

	// Peer connection events
	EventPeerConnected    Event = "peer_connected"
	EventPeerDisconnected Event = "peer_disconnected"
	EventPeerRejected     Event = "peer_rejected"

	// Config events
	EventConfigReloaded Event = "config_reloaded"
)

// PeerEventData describes a peer connection change.
type PeerEventData struct {
	ID      string
	Kind    string
	Address string
	Reason  string
}

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

type registration struct {
	id      uint64
	handler Handler
}

// Manager manages lifecycle event subscriptions and dispatching
type Manager struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[Event][]registration
}

// NewManager creates an empty Manager. Most callers use the package-level functions.
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]registration)}
}

// Global lifecycle manager
var global = NewManager()

// On registers a handler for a lifecycle event. The returned func removes it.
func On(event Event, handler Handler) (off func()) {
	return global.On(event, handler)
}

// Emit dispatches an event to all registered handlers
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// Reset drops every registered handler. Tests call it between cases.
func Reset() {
	global.mu.Lock()
	global.handlers = make(map[Event][]registration)
	global.mu.Unlock()
}

// On registers a handler for a lifecycle event. The returned func removes it and
// may be called more than once.
func (m *Manager) On(event Event, handler Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.next
	m.handlers[event] = append(m.handlers[event], registration{id: id, handler: handler})
	return func() { m.off(event, id) }
}

func (m *Manager) off(event Event, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.handlers[event]
	for i, r := range regs {
		if r.id == id {
			m.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	regs := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] Emitting event: %s", event)
	for _, r := range regs {
		// Run handlers synchronously (they can spawn goroutines if needed)
		r.handler(event, data)
	}
}

func onPeer(event Event, handler func(data PeerEventData)) func() {
	return On(event, func(e Event, data any) {
		if d, ok := data.(PeerEventData); ok {
			handler(d)
		}
	})
}

// OnPeerDisconnected registers a handler for departed peers
func OnPeerDisconnected(handler func(data PeerEventData)) (off func()) {
	return onPeer(EventPeerDisconnected, handler)
}

// OnPeerRejected registers a handler for sockets refused at admission
func OnPeerRejected(handler func(data PeerEventData)) (off func()) {
	return onPeer(EventPeerRejected, handler)
}

// OnServerStarted registers a handler that receives the listen address
func OnServerStarted(handler func(addr string)) (off func()) {
	return On(EventServerStarted, func(e Event, data any) {
		addr, _ := data.(string)
		handler(addr)
	})
}

// OnShutdown is a convenience function to register a shutdown handler
func OnShutdown(handler func()) (off func()) {
	return On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}
