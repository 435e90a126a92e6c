package session

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/auth"
	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/dispatch"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/transport"
)

// Observer is told about session departures that other components care about.
// Methods are invoked on the loop.
type Observer interface {
	// SessionDeparted fires when a session disconnects or is destroyed.
	SessionDeparted(id string)
	// SessionLeftRoom fires when a destroyed session held a room.
	SessionLeftRoom(id, roomCode string)
	// SessionResumed fires after an identity was reattached to a new socket.
	SessionResumed(s *Session)
}

// Manager is the root registry of sessions. It implements transport.ConnHandler.
// All methods must be called on the loop.
type Manager struct {
	cfg        config.SessionConfig
	version    string
	loop       *loop.Loop
	dispatcher dispatch.Handler[*Session]
	auth       Authenticator
	logger     *zap.Logger
	now        func() time.Time

	sessions  map[string]*Session
	observers []Observer
	sweep     *loop.Timer
	pinger    *loop.Timer
}

// NewManager creates an empty Manager.
//
// Precondition: l, dispatcher, authn and logger must be non-nil.
// Postcondition: Returns a Manager; call Start on the loop to begin sweeping.
func NewManager(cfg config.SessionConfig, version string, l *loop.Loop, dispatcher dispatch.Handler[*Session], authn Authenticator, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		version:    version,
		loop:       l,
		dispatcher: dispatcher,
		auth:       authn,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
}

// AddObserver registers o for departure events.
func (m *Manager) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

// Start arms the idle sweep and the pinger.
func (m *Manager) Start() {
	m.sweep = m.loop.Every(m.cfg.SweepInterval, m.Sweep)
	m.pinger = m.loop.Every(m.cfg.PingInterval, m.pingAll)
}

// HandleConn implements transport.ConnHandler.
func (m *Manager) HandleConn(c transport.Conn) {
	m.CreateSession(c)
}

// CreateSession registers a new unauthenticated session owning c under a
// temporary identity.
//
// Postcondition: c is bound to the returned session and its auth timer is armed.
func (m *Manager) CreateSession(c transport.Conn) *Session {
	id := "conn-" + uuid.NewString()
	s := newSession(id, c, m, m.dispatcher, m.auth, m.loop, Options{
		Version:       m.version,
		QueueCapacity: m.cfg.QueueCapacity,
		AuthTimeout:   m.cfg.AuthTimeout,
	}, m.now, m.logger)
	m.sessions[id] = s
	m.logger.Debug("session created",
		zap.String("session_id", id),
		zap.String("remote_addr", c.RemoteAddr()),
	)
	return s
}

// Get returns the live session with the given identity.
func (m *Manager) Get(id string) (*Session, bool) {
	s, ok := m.sessions[id]
	return s, ok
}

// Send forwards a message to the session with the given identity.
//
// Postcondition: Returns ErrNoConnection for unknown or dangling sessions.
func (m *Manager) Send(id string, action protocol.Action, payload any) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrNoConnection
	}
	return s.Send(action, payload)
}

// BindRoom records that the session with the given identity plays in code.
func (m *Manager) BindRoom(id, code string) {
	if s, ok := m.sessions[id]; ok {
		s.SetRoomCode(code)
	}
}

// UnbindRoom clears the session's room membership if it is still code.
func (m *Manager) UnbindRoom(id, code string) {
	if s, ok := m.sessions[id]; ok && s.roomCode == code {
		s.SetRoomCode("")
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int { return len(m.sessions) }

// OnlineCount returns the number of authenticated sessions holding a socket.
func (m *Manager) OnlineCount() int {
	return lo.CountBy(lo.Values(m.sessions), func(s *Session) bool {
		return s.authenticated && s.conn != nil
	})
}

func (m *Manager) sessionAuthenticated(s *Session, id auth.Identity) {
	if existing, ok := m.sessions[id.PlayerID]; ok && existing != s && !existing.destroyed {
		conn, queue := s.handOff()
		delete(m.sessions, s.id)
		s.Destroy(false, protocol.CloseNormal, "")
		m.logger.Info("identity resumed on new connection",
			zap.String("session_id", existing.id),
			zap.Int("carried", len(queue)),
		)
		existing.identity.Username = id.Username
		existing.Reconnect(conn, queue)
		for _, o := range m.observers {
			o.SessionResumed(existing)
		}
		return
	}
	delete(m.sessions, s.id)
	s.id = id.PlayerID
	m.sessions[s.id] = s
	m.logger.Info("session authenticated",
		zap.String("session_id", s.id),
		zap.String("username", id.Username),
	)
}

func (m *Manager) sessionDisconnected(s *Session) {
	m.logger.Debug("session disconnected", zap.String("session_id", s.id))
	for _, o := range m.observers {
		o.SessionDeparted(s.id)
	}
}

func (m *Manager) sessionDestroyed(s *Session) {
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.logger.Debug("session destroyed", zap.String("session_id", s.id))
	for _, o := range m.observers {
		o.SessionDeparted(s.id)
	}
}

func (m *Manager) sessionLeftRoom(s *Session, roomCode string) {
	for _, o := range m.observers {
		o.SessionLeftRoom(s.id, roomCode)
	}
}

// Sweep drops the socket of sessions idle past the soft threshold and
// destroys sessions idle past the hard threshold.
func (m *Manager) Sweep() {
	start := time.Now()
	now := m.now()
	var dropped, destroyed int
	for _, s := range m.snapshot() {
		idle := now.Sub(s.lastActive)
		switch {
		case idle > m.cfg.HardIdle:
			s.Destroy(true, protocol.CloseIdleTimeout, protocol.CloseIdleTimeout.Reason())
			destroyed++
		case idle > m.cfg.SoftIdle && s.conn != nil:
			s.Disconnect(true, protocol.CloseIdleTimeout, protocol.CloseIdleTimeout.Reason())
			dropped++
		}
	}
	if dropped > 0 || destroyed > 0 {
		m.logger.Info("idle sweep",
			zap.Int("dropped", dropped),
			zap.Int("destroyed", destroyed),
			zap.Int("remaining", len(m.sessions)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (m *Manager) pingAll() {
	for _, s := range m.snapshot() {
		if s.authenticated && s.conn != nil {
			s.Ping()
		}
	}
}

// snapshot returns sessions ordered by identity.
func (m *Manager) snapshot() []*Session {
	out := lo.Values(m.sessions)
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Close stops the timers and disconnects every session without notifying
// observers.
//
// Postcondition: No sessions remain registered.
func (m *Manager) Close() {
	m.sweep.Stop()
	m.pinger.Stop()
	for _, s := range m.snapshot() {
		s.Destroy(false, protocol.CloseNormal, "server shutting down")
	}
	m.sessions = make(map[string]*Session)
}
