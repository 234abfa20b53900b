package status

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Quality classifies the link from time elapsed since the last good transition.
type Quality string

const (
	Excellent Quality = "excellent"
	Good      Quality = "good"
	Poor      Quality = "poor"
	Offline   Quality = "offline"
)

const (
	excellentWithin = time.Second
	goodWithin      = 5 * time.Second
)

// ConnectionState is the monitor's view of the transport link.
type ConnectionState struct {
	Connected           bool      `json:"isConnected"`
	LastTransitionAt    time.Time `json:"lastTransitionAt"`
	Quality             Quality   `json:"quality"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// StatusChange is the payload for connection.changed events.
type StatusChange struct {
	From bool
	To   bool
	At   time.Time
}

// Monitor observes the transport's connectivity signal and reports each
// edge exactly once. It only observes; it never fails.
type Monitor struct {
	env    env.Environment
	bus    *bus.Bus
	logger *zap.Logger

	edgeMu sync.Mutex // serializes edge handling

	mu             sync.RWMutex
	seen           bool
	connected      bool
	lastTransition time.Time
	failures       int
	reconcilers    []func()
	unwatch        func()

	listeners *bus.Listeners[ConnectionState]
}

// NewMonitor creates a monitor that has not seen any signal yet.
func NewMonitor(e env.Environment, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		env:       e,
		bus:       b,
		logger:    logger,
		listeners: bus.NewListeners[ConnectionState](),
	}
}

// Watch subscribes to the transport's connectivity signal.
func (m *Monitor) Watch(t transport.Transport) {
	unwatch := t.SubscribeValue(transport.ConnectedPath, func(s transport.Snapshot) {
		m.Observe(s.Bool())
	})
	m.mu.Lock()
	m.unwatch = unwatch
	m.mu.Unlock()
}

// Stop unsubscribes from the transport and drops every listener.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	m.listeners.Clear()
}

// OnReconnect registers fn to run on every connect edge, before any status
// listener observes the new state. fn runs on the transport's delivery path
// and must not block; long work belongs in a goroutine it starts.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.reconcilers = append(m.reconcilers, fn)
	m.mu.Unlock()
}

// OnStatusChange registers cb for connect and disconnect edges.
func (m *Monitor) OnStatusChange(cb func(ConnectionState)) func() {
	return m.listeners.Add(cb)
}

// Observe feeds one connectivity signal into the monitor. Repeated identical
// signals are not edges; a repeated false counts as a failed attempt.
func (m *Monitor) Observe(connected bool) {
	m.edgeMu.Lock()
	defer m.edgeMu.Unlock()

	m.mu.Lock()
	first := !m.seen
	m.seen = true
	if connected == m.connected {
		if !connected && !first {
			m.failures++
		}
		m.mu.Unlock()
		return
	}
	from := m.connected
	now := m.env.Now()
	m.connected = connected
	m.lastTransition = now
	if connected {
		m.failures = 0
	}
	reconcilers := append(([]func())(nil), m.reconcilers...)
	m.mu.Unlock()

	m.logger.Info("connection changed", zap.Bool("connected", connected))

	if connected {
		for _, fn := range reconcilers {
			fn()
		}
	}

	m.listeners.Emit(m.Status())
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectionChanged,
		Timestamp: now,
		Payload:   StatusChange{From: from, To: connected, At: now},
	})
}

// IsConnected reports the last observed link state.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Status returns the current state with quality computed at call time.
func (m *Monitor) Status() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ConnectionState{
		Connected:           m.connected,
		LastTransitionAt:    m.lastTransition,
		Quality:             m.quality(),
		ConsecutiveFailures: m.failures,
	}
}

// quality must be called with m.mu held. A host without a usable network
// interface makes a link the transport still reports as up poor.
func (m *Monitor) quality() Quality {
	if !m.seen || !m.connected {
		return Offline
	}
	if !m.env.IsOnline() {
		return Poor
	}
	elapsed := m.env.Now().Sub(m.lastTransition)
	switch {
	case elapsed < excellentWithin:
		return Excellent
	case elapsed < goodWithin:
		return Good
	default:
		return Poor
	}
}
