package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/phi"
	"github.com/chartwise/insight-stream/internal/stream/backlog"
	"github.com/chartwise/insight-stream/internal/stream/registry"
)

// Options bound each session's queue and liveness behavior.
type Options struct {
	QueueSize           int
	SlowConsumerTimeout time.Duration
	HeartbeatInterval   time.Duration

	// OnReplayFailure is invoked when a session's backlog replay fails.
	// Wired to the health monitor; may be nil.
	OnReplayFailure func()
}

// Manager owns all live sessions. The router hands it routed frames by
// connection ID; sessions that fall behind recover through the backlog
// rather than by blocking the router.
type Manager struct {
	store   backlog.Store
	gate    *phi.Gate
	auditor phi.AccessAuditor
	opts    Options
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

func NewManager(store backlog.Store, gate *phi.Gate, auditor phi.AccessAuditor, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		gate:     gate,
		auditor:  auditor,
		opts:     opts,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
	}
}

// Attach starts the pumps for an upgraded connection. onClose runs exactly
// once when the session ends, however it ends.
func (m *Manager) Attach(conn *websocket.Conn, sub *registry.Subscriber, onClose func()) {
	s := newSession(m, conn, sub, func() {
		m.mu.Lock()
		delete(m.sessions, sub.ConnectionID)
		m.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
	m.mu.Lock()
	m.sessions[sub.ConnectionID] = s
	m.mu.Unlock()
	s.run()
}

// Enqueue hands a routed frame to a connection's queue.
func (m *Manager) Enqueue(connectionID uuid.UUID, env Envelope) error {
	s := m.get(connectionID)
	if s == nil {
		return ErrUnknownConnection
	}
	return s.enqueue(env)
}

// Resync instructs a connection to re-fetch full state out-of-band.
func (m *Manager) Resync(connectionID uuid.UUID) error {
	s := m.get(connectionID)
	if s == nil {
		return ErrUnknownConnection
	}
	s.resync()
	return nil
}

// Disconnect tears down one connection.
func (m *Manager) Disconnect(connectionID uuid.UUID) {
	if s := m.get(connectionID); s != nil {
		s.close()
	}
}

// CloseAll tears down every session, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	open := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()
	for _, s := range open {
		s.close()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) get(connectionID uuid.UUID) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[connectionID]
}
