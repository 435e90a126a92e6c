// Package session implements per-connection sessions and the registry that
// owns them.
//
// Every method here runs on the event loop. A Session owns at most one
// transport.Conn at a time; the Conn can be detached by a disconnect and
// reattached by a reconnect without destroying the Session.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/auth"
	"github.com/cory-johannsen/gridlock/internal/dispatch"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/transport"
)

// Errors returned by Authenticate.
var (
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrAuthPending          = errors.New("authentication already in progress")
	ErrVersionMismatch      = errors.New("protocol version mismatch")
)

// ErrNoConnection is returned by Send on a session without a socket.
var ErrNoConnection = errors.New("session has no connection")

// Authenticator verifies a token off the loop.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// hooks is implemented by the owning Manager.
type hooks interface {
	sessionAuthenticated(s *Session, id auth.Identity)
	sessionDisconnected(s *Session)
	sessionDestroyed(s *Session)
	sessionLeftRoom(s *Session, roomCode string)
}

// Options configures a Session.
type Options struct {
	Version       string
	QueueCapacity int
	AuthTimeout   time.Duration
}

// Session is one player's server-side state.
type Session struct {
	id         string
	conn       transport.Conn
	hooks      hooks
	dispatcher dispatch.Handler[*Session]
	auth       Authenticator
	loop       *loop.Loop
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	authenticated      bool
	authPending        bool
	identity           auth.Identity
	lastActive         time.Time
	roomCode           string
	queue              []protocol.Packet
	authTimer          *loop.Timer
	disconnectNotified bool
	destroyed          bool
	rtt                time.Duration
}

func newSession(id string, conn transport.Conn, h hooks, dispatcher dispatch.Handler[*Session], authn Authenticator, l *loop.Loop, opts Options, now func() time.Time, logger *zap.Logger) *Session {
	s := &Session{
		id:         id,
		conn:       conn,
		hooks:      h,
		dispatcher: dispatcher,
		auth:       authn,
		loop:       l,
		opts:       opts,
		logger:     logger,
		now:        now,
		lastActive: now(),
	}
	conn.Bind(s)
	s.authTimer = l.AfterFunc(opts.AuthTimeout, func() {
		if s.authenticated || s.destroyed {
			return
		}
		s.logger.Info("auth timeout", zap.String("session_id", s.id))
		s.Destroy(true, protocol.CloseAuthTimeout, protocol.CloseAuthTimeout.Reason())
	})
	return s
}

// ID returns the session identity. It changes once, on authentication.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether the session completed AUTH.
func (s *Session) Authenticated() bool { return s.authenticated }

// Username returns the verified display name.
func (s *Session) Username() string { return s.identity.Username }

// Connected reports whether a socket is bound.
func (s *Session) Connected() bool { return s.conn != nil }

// Destroyed reports whether Destroy was called.
func (s *Session) Destroyed() bool { return s.destroyed }

// LastActive returns the time of the last successfully handled packet.
func (s *Session) LastActive() time.Time { return s.lastActive }

// RoomCode returns the code of the session's room, or "".
func (s *Session) RoomCode() string { return s.roomCode }

// SetRoomCode records room membership. An empty code clears it.
func (s *Session) SetRoomCode(code string) { s.roomCode = code }

// QueueLen returns the number of buffered pre-auth packets.
func (s *Session) QueueLen() int { return len(s.queue) }

// RTT returns the last measured round trip time.
func (s *Session) RTT() time.Duration { return s.rtt }

// Logger returns the session's logger.
func (s *Session) Logger() *zap.Logger { return s.logger.With(zap.String("session_id", s.id)) }

// Send forwards one message to the bound socket.
func (s *Session) Send(action protocol.Action, payload any) error {
	if s.conn == nil {
		return ErrNoConnection
	}
	return s.conn.Send(action, payload)
}

// HandlePacket implements transport.Listener.
func (s *Session) HandlePacket(c transport.Conn, p protocol.Packet) {
	if c != s.conn || s.destroyed {
		return
	}
	s.Dispatch(p)
}

// HandleClose implements transport.Listener.
func (s *Session) HandleClose(c transport.Conn, code protocol.CloseCode) {
	if c != s.conn || s.destroyed {
		return
	}
	s.Disconnect(true, code, code.Reason())
}

// Dispatch routes p. Before authentication every packet except AUTH is
// buffered; a full buffer destroys the session.
//
// Postcondition: A packet no handler accepts disconnects the session with
// CloseInvalidPacket; a handled packet refreshes LastActive.
func (s *Session) Dispatch(p protocol.Packet) {
	if !s.authenticated && p.Action != protocol.ActionAuth {
		if len(s.queue) >= s.opts.QueueCapacity {
			s.logger.Info("pre-auth queue overflow",
				zap.String("session_id", s.id),
				zap.Int("capacity", s.opts.QueueCapacity),
			)
			s.Destroy(true, protocol.CloseQueueOverflow, protocol.CloseQueueOverflow.Reason())
			return
		}
		s.queue = append(s.queue, p)
		return
	}
	s.route(p)
}

func (s *Session) route(p protocol.Packet) {
	if !s.dispatcher.Handle(s, p) {
		if s.destroyed {
			return
		}
		s.logger.Info("unhandled packet",
			zap.String("session_id", s.id),
			zap.Stringer("action", p.Action),
		)
		s.Disconnect(true, protocol.CloseInvalidPacket, protocol.CloseInvalidPacket.Reason())
		return
	}
	s.lastActive = s.now()
}

// drain routes buffered packets in arrival order until the queue is empty
// or the session loses its socket.
func (s *Session) drain() {
	for len(s.queue) > 0 && s.authenticated && s.conn != nil && !s.destroyed {
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.route(p)
	}
}

// Authenticate starts verifying token. The result is applied on the loop,
// after other events may have interleaved.
//
// Precondition: Not yet authenticated and no verification in flight.
// Postcondition: Returns an error without side effects if the session cannot
// authenticate now.
func (s *Session) Authenticate(token, version string) error {
	if s.authenticated {
		return ErrAlreadyAuthenticated
	}
	if s.authPending {
		return ErrAuthPending
	}
	if version != s.opts.Version {
		return ErrVersionMismatch
	}
	s.authPending = true
	conn := s.conn
	timeout := s.opts.AuthTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		id, err := s.auth.Authenticate(ctx, token)
		cancel()
		s.loop.Post(func() { s.completeAuth(conn, id, err) })
	}()
	return nil
}

func (s *Session) completeAuth(conn transport.Conn, id auth.Identity, err error) {
	s.authPending = false
	// The session may have been destroyed, timed out or lost its socket
	// while verification was in flight.
	if s.destroyed || s.authenticated || s.conn == nil || s.conn != conn {
		return
	}
	if err != nil {
		s.logger.Info("authentication failed",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
		s.Destroy(true, protocol.CloseAuthFailed, protocol.CloseAuthFailed.Reason())
		return
	}

	s.authenticated = true
	s.authTimer.Stop()
	s.authTimer = nil
	s.identity = id
	if err := s.conn.Send(protocol.ActionAuthResult, protocol.AuthResult{
		PlayerID: id.PlayerID,
		Username: id.Username,
		Token:    id.Token,
	}); err != nil {
		s.logger.Debug("sending auth result", zap.String("session_id", s.id), zap.Error(err))
	}

	s.hooks.sessionAuthenticated(s, id)
	if s.destroyed {
		// Handed off to an existing session for this identity.
		return
	}
	s.drain()
}

// Disconnect detaches and closes the socket and clears the pre-auth queue.
// When notify is set, the registry learns of the disconnect once per cycle.
//
// Postcondition: Connected() is false.
func (s *Session) Disconnect(notify bool, code protocol.CloseCode, reason string) {
	if s.conn != nil {
		s.conn.Close(code, reason)
		s.conn = nil
	}
	s.queue = nil
	if notify && !s.disconnectNotified {
		s.disconnectNotified = true
		s.hooks.sessionDisconnected(s)
	}
}

// Destroy disconnects, leaves any room and ends the session permanently.
//
// Postcondition: Destroyed() is true and RoomCode() is empty.
func (s *Session) Destroy(notify bool, code protocol.CloseCode, reason string) {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.authTimer.Stop()
	s.authTimer = nil
	s.Disconnect(notify, code, reason)
	if s.roomCode != "" {
		code := s.roomCode
		s.roomCode = ""
		s.hooks.sessionLeftRoom(s, code)
	}
	if notify {
		s.hooks.sessionDestroyed(s)
	}
}

// Reconnect binds conn in place of the current socket, keeping room
// membership, and routes carried packets ahead of new traffic. The auth
// timer is never re-armed.
//
// Precondition: The session is authenticated and not destroyed.
func (s *Session) Reconnect(conn transport.Conn, carried []protocol.Packet) {
	s.Disconnect(false, protocol.CloseReplaced, protocol.CloseReplaced.Reason())
	s.conn = conn
	conn.Bind(s)
	s.disconnectNotified = false
	s.queue = append(s.queue, carried...)
	s.lastActive = s.now()
	s.logger.Info("session reconnected",
		zap.String("session_id", s.id),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.Int("carried", len(carried)),
	)
	s.drain()
}

// handOff detaches the socket and queue so another session can adopt them.
func (s *Session) handOff() (transport.Conn, []protocol.Packet) {
	conn, queue := s.conn, s.queue
	s.conn = nil
	s.queue = nil
	return conn, queue
}

// Ping sends a timing probe.
func (s *Session) Ping() {
	if err := s.Send(protocol.ActionPing, protocol.Ping{ServerTime: s.now().UnixMilli()}); err != nil {
		s.logger.Debug("ping", zap.String("session_id", s.id), zap.Error(err))
	}
}

// RecordPong updates the round trip estimate from a Pong.
func (s *Session) RecordPong(p protocol.Pong) {
	sent := time.UnixMilli(p.ServerTime)
	rtt := s.now().Sub(sent)
	if rtt < 0 || p.ServerTime <= 0 {
		return
	}
	s.rtt = rtt
}
