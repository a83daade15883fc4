// Package session owns the single logical terminal connection: connect and
// disconnect lifecycle, reconnection with backoff after unexpected transport
// loss, and liveness snapshots. Only this package dials or closes the
// transport; every other component sends through the manager.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ibgate/config"
	"ibgate/logger"
	"ibgate/models"
	"ibgate/transport"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State           State      `json:"state"`
	TerminalVersion string     `json:"terminal_version,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Connected reports whether the snapshot shows a live session.
func (s Snapshot) Connected() bool {
	return s.State == StateConnected
}

// Manager serializes access to the terminal connection.
type Manager struct {
	terminal config.TerminalConfig
	retry    config.RetryConfig
	dialer   transport.Dialer
	log      *logger.Log

	// connectMu makes Connect/Disconnect a mutually exclusive critical
	// section so at most one transport is ever opened.
	connectMu sync.Mutex

	mu              sync.RWMutex
	state           State
	conn            transport.Conn
	version         string
	connectedAt     time.Time
	lastErr         error
	gen             uint64
	reconnectCancel context.CancelFunc
	onUp            func()
	onDown          func(error)

	events chan models.Event
}

// NewManager creates a disconnected session manager. The event channel it
// exposes lives for the whole process; connections come and go behind it.
func NewManager(cfg *config.Config, dialer transport.Dialer) *Manager {
	buffer := cfg.Channels.EventBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &Manager{
		terminal: cfg.Terminal,
		retry:    cfg.Session.Retry,
		dialer:   dialer,
		log:      logger.GetLogger(),
		state:    StateDisconnected,
		events:   make(chan models.Event, buffer),
	}
}

// Events returns the ordered inbound event stream spanning reconnects.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// OnDisconnectedUnexpectedly registers the handler invoked when the reconnect
// policy gives up. Register before calling Connect.
func (m *Manager) OnDisconnectedUnexpectedly(fn func(error)) {
	m.mu.Lock()
	m.onDown = fn
	m.mu.Unlock()
}

// OnConnected registers the handler invoked after every established session,
// reconnects included. Register before calling Connect.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onUp = fn
	m.mu.Unlock()
}

// Connect establishes the terminal session. A concurrent call while a session
// is being established or already live returns the existing session rather
// than opening a second transport. Dial errors are returned to the caller and
// not retried; the retry policy only applies to established sessions.
func (m *Manager) Connect(ctx context.Context) (Snapshot, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	switch m.State() {
	case StateConnected, StateConnecting, StateReconnecting:
		return m.Snapshot(), nil
	}

	m.setState(StateConnecting)
	log := m.log.WithComponent("session")
	log.WithFields(logger.Fields{"mode": m.terminal.Mode, "client_id": m.terminal.ClientID}).Info("connecting to terminal")

	conn, info, err := m.dialer.Dial(ctx, m.terminal)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.lastErr = err
		m.mu.Unlock()
		log.WithError(err).Error("terminal connect failed")
		return m.Snapshot(), fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.version = info.Version
	m.connectedAt = time.Now().UTC()
	m.state = StateConnected
	m.lastErr = nil
	m.gen++
	gen := m.gen
	onUp := m.onUp
	m.mu.Unlock()

	go m.pump(conn, gen)
	if onUp != nil {
		onUp()
	}

	log.WithFields(logger.Fields{"terminal_version": info.Version}).Info("terminal session established")
	return m.Snapshot(), nil
}

// Disconnect tears down the session and cancels any in-flight reconnect
// attempt. Idempotent.
func (m *Manager) Disconnect() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	conn := m.conn
	m.conn = nil
	// Bump the generation so the old pump's loss handler becomes a no-op.
	m.gen++
	already := m.state == StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !already {
		m.log.WithComponent("session").Info("terminal session disconnected")
	}
	return nil
}

// Send forwards one request over the live connection. Callers get
// ErrServiceUnavailable while the session is not Connected; reconnection is
// never triggered from here.
func (m *Manager) Send(ctx context.Context, req models.Request) error {
	m.mu.RLock()
	state := m.state
	conn := m.conn
	m.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return models.ErrServiceUnavailable
	}
	return conn.Send(ctx, req)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the session is live.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Degraded reports whether the session is between transport loss and
// recovery. Reads keep working from cached state while degraded.
func (m *Manager) Degraded() bool {
	return m.State() == StateReconnecting
}

// Snapshot returns a read-only view of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{State: m.state, TerminalVersion: m.version}
	if !m.connectedAt.IsZero() && (m.state == StateConnected || m.state == StateReconnecting) {
		t := m.connectedAt
		snap.ConnectedAt = &t
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// pump copies the connection's events onto the manager's long-lived stream.
// When the connection's channel closes underneath us the loss handler decides
// whether a reconnect is due.
func (m *Manager) pump(conn transport.Conn, gen uint64) {
	for ev := range conn.Events() {
		m.events <- ev
	}
	m.transportLost(gen)
}

func (m *Manager) transportLost(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		// Explicit disconnect or a newer session already took over.
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.conn = nil
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.mu.Unlock()

	m.log.WithComponent("session").Warn("transport lost unexpectedly, entering reconnect")
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	log := m.log.WithComponent("session")
	var lastErr error

	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		delay := backoffDelay(m.retry, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		logger.IncrementReconnectAttempt()
		log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Info("reconnect attempt")

		conn, info, err := m.dialer.Dial(ctx, m.terminal)
		if err != nil {
			lastErr = err
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.version = info.Version
		m.connectedAt = time.Now().UTC()
		m.state = StateConnected
		m.lastErr = nil
		m.reconnectCancel = nil
		m.gen++
		gen := m.gen
		onUp := m.onUp
		m.mu.Unlock()

		go m.pump(conn, gen)
		if onUp != nil {
			onUp()
		}
		log.WithFields(logger.Fields{"attempt": attempt}).Info("terminal session re-established")
		return
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("reconnect attempts exhausted")
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	m.lastErr = lastErr
	m.reconnectCancel = nil
	handler := m.onDown
	m.mu.Unlock()

	log.WithError(lastErr).Error("reconnect attempts exhausted, session failed")
	if handler != nil {
		handler(lastErr)
	}
}
