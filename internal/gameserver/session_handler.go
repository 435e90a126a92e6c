package gameserver

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/dispatch"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/session"
)

// SessionHandler handles the session family: AUTH, PONG and LOGOUT.
type SessionHandler struct {
	logger *zap.Logger
}

// NewSessionHandler creates a SessionHandler.
//
// Precondition: logger must be non-nil.
func NewSessionHandler(logger *zap.Logger) *SessionHandler {
	return &SessionHandler{logger: logger}
}

// Leaf returns the handler map for the session family.
func (h *SessionHandler) Leaf() *dispatch.Leaf[*session.Session] {
	return dispatch.NewLeaf(map[protocol.Action]dispatch.HandlerFunc[*session.Session]{
		protocol.ActionAuth:   h.Auth,
		protocol.ActionPong:   h.Pong,
		protocol.ActionLogout: h.Logout,
	})
}

// Auth starts token verification.
//
// Postcondition: A protocol version mismatch destroys the session with
// CloseAuthFailed. A repeated AUTH is not handled.
func (h *SessionHandler) Auth(s *session.Session, p protocol.Packet) bool {
	var req protocol.Auth
	if err := p.Decode(&req); err != nil {
		return false
	}
	err := s.Authenticate(req.Token, req.Version)
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrVersionMismatch):
		h.logger.Info("protocol version mismatch",
			zap.String("session_id", s.ID()),
			zap.String("version", req.Version),
		)
		s.Destroy(true, protocol.CloseAuthFailed, "version mismatch")
		return true
	default:
		h.logger.Debug("auth refused", zap.String("session_id", s.ID()), zap.Error(err))
		return false
	}
}

// Pong records a latency sample.
func (h *SessionHandler) Pong(s *session.Session, p protocol.Packet) bool {
	var pong protocol.Pong
	if err := p.Decode(&pong); err != nil {
		return false
	}
	s.RecordPong(pong)
	return true
}

// Logout ends the session permanently.
func (h *SessionHandler) Logout(s *session.Session, _ protocol.Packet) bool {
	h.logger.Info("logout", zap.String("session_id", s.ID()))
	s.Destroy(true, protocol.CloseNormal, "logout")
	return true
}
