package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"docvoice/core"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNoCallStarter     = errors.New("connections: no call starter configured")
)

// Manager registers live connections. The map lock is never held across
// negotiation; each connection's own lock serializes its state changes.
type Manager struct {
	negotiator Negotiator
	iceServers []ICEServer
	logger     *core.Logger

	mu      sync.Mutex
	conns   map[string]*Connection
	starter CallStarter
}

func NewManager(negotiator Negotiator, iceServers []ICEServer, logger *core.Logger) *Manager {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Manager{
		negotiator: negotiator,
		iceServers: append([]ICEServer(nil), iceServers...),
		logger:     logger.With(map[string]interface{}{"component": "connections"}),
		conns:      make(map[string]*Connection),
	}
}

// SetCallStarter installs the component that runs a call per connection.
func (m *Manager) SetCallStarter(starter CallStarter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starter = starter
}

// Open renegotiates a known live connection or negotiates and registers a
// new one and starts its call.
func (m *Manager) Open(ctx context.Context, offer Offer) (Answer, error) {
	if offer.ConnectionID != "" {
		if conn := m.Get(offer.ConnectionID); conn != nil {
			if conn.SessionID != offer.SessionID {
				m.logger.Warn("offer names a connection of another session", "pc_id", conn.ID, "session_id", offer.SessionID)
				return Answer{}, fmt.Errorf("connections: renegotiate %q: %w", offer.ConnectionID, ErrUnknownConnection)
			}
			return m.renegotiate(ctx, conn, offer)
		}
		m.logger.Debug("unknown connection id, negotiating a new one", "pc_id", offer.ConnectionID)
	}

	m.mu.Lock()
	starter := m.starter
	m.mu.Unlock()
	if starter == nil {
		return Answer{}, ErrNoCallStarter
	}

	id := uuid.NewString()
	t, answer, err := m.negotiator.Negotiate(ctx, id, offer, m.iceServers)
	if err != nil {
		return Answer{}, fmt.Errorf("connections: negotiate: %w", err)
	}
	conn := &Connection{
		ID:         id,
		SessionID:  offer.SessionID,
		ICEServers: m.iceServers,
		Transport:  t,
		state:      StateNegotiating,
	}
	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()

	conn.setState(StateEstablished)
	run, err := starter.StartCall(ctx, conn)
	if err != nil {
		m.Remove(id)
		if closeErr := t.Close(); closeErr != nil {
			m.logger.Warn("close transport after failed start", "pc_id", id, "error", closeErr)
		}
		return Answer{}, fmt.Errorf("connections: start call: %w", err)
	}
	conn.mu.Lock()
	closedEarly := conn.state == StateClosed
	conn.run = run
	conn.mu.Unlock()
	if closedEarly {
		// Closed while the call was starting.
		run.Cancel()
	}

	answer.ConnectionID = id
	m.logger.Info("connection opened", "pc_id", id, "session_id", offer.SessionID, "transport", t.Kind())
	return answer, nil
}

func (m *Manager) renegotiate(ctx context.Context, conn *Connection, offer Offer) (Answer, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.state == StateClosed {
		return Answer{}, fmt.Errorf("connections: renegotiate %q: %w", conn.ID, ErrUnknownConnection)
	}
	conn.state = StateRenegotiating
	answer, err := conn.Transport.Renegotiate(ctx, offer)
	conn.state = StateEstablished
	if err != nil {
		return Answer{}, fmt.Errorf("connections: renegotiate %q: %w", conn.ID, err)
	}
	answer.ConnectionID = conn.ID
	m.logger.Info("connection renegotiated", "pc_id", conn.ID, "restart", offer.RestartPC)
	return answer, nil
}

// Close removes the connection and cancels its run. The run's teardown
// releases the transport; a connection without a run is released here.
func (m *Manager) Close(id string) {
	conn := m.remove(id)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.state = StateClosed
	run := conn.run
	conn.mu.Unlock()

	if run != nil {
		run.Cancel()
		return
	}
	if err := conn.Transport.Close(); err != nil {
		m.logger.Warn("close transport", "pc_id", id, "error", err)
	}
}

// Remove drops the entry without touching its run. Used after teardown.
func (m *Manager) Remove(id string) {
	if conn := m.remove(id); conn != nil {
		conn.setState(StateClosed)
	}
}

func (m *Manager) remove(id string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil
	}
	delete(m.conns, id)
	return conn
}

// Get returns the live connection with id, or nil.
func (m *Manager) Get(id string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// SessionOf returns the session a live connection belongs to.
func (m *Manager) SessionOf(id string) (string, bool) {
	if conn := m.Get(id); conn != nil {
		return conn.SessionID, true
	}
	return "", false
}

// Lookup is Get with an error for unknown ids.
func (m *Manager) Lookup(id string) (*Connection, error) {
	if conn := m.Get(id); conn != nil {
		return conn, nil
	}
	return nil, fmt.Errorf("connections: %q: %w", id, ErrUnknownConnection)
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll closes every registered connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// ICEServers returns the configured relay list in order.
func (m *Manager) ICEServers() []ICEServer {
	return append([]ICEServer(nil), m.iceServers...)
}
