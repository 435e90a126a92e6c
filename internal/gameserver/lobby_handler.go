package gameserver

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/dispatch"
	"github.com/cory-johannsen/gridlock/internal/matchmaking"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/session"
)

// maxNameLength bounds the display name a player may queue under.
const maxNameLength = 24

// Queue is the matchmaking surface the lobby needs.
type Queue interface {
	JoinQueue(sessionID, name string) error
	LeaveQueue(sessionID string) bool
}

// LobbyHandler handles QUEUE_JOIN and QUEUE_LEAVE.
type LobbyHandler struct {
	queue  Queue
	online func() int
	logger *zap.Logger
}

// NewLobbyHandler creates a LobbyHandler.
//
// Precondition: queue, online and logger must be non-nil.
func NewLobbyHandler(queue Queue, online func() int, logger *zap.Logger) *LobbyHandler {
	return &LobbyHandler{queue: queue, online: online, logger: logger}
}

// Leaf returns the handler map for the lobby family.
func (h *LobbyHandler) Leaf() *dispatch.Leaf[*session.Session] {
	return dispatch.NewLeaf(map[protocol.Action]dispatch.HandlerFunc[*session.Session]{
		protocol.ActionQueueJoin:  h.Join,
		protocol.ActionQueueLeave: h.Leave,
	})
}

// Join enters the session into matchmaking under the requested name, or its
// username when none is given. Joining twice or while in a match is benign.
func (h *LobbyHandler) Join(s *session.Session, p protocol.Packet) bool {
	var req protocol.QueueJoin
	if err := p.Decode(&req); err != nil {
		return false
	}
	if s.RoomCode() != "" {
		h.logger.Debug("queue join while in a match",
			zap.String("session_id", s.ID()),
			zap.String("room", s.RoomCode()),
		)
		return true
	}
	name := req.Name
	if name == "" || len(name) > maxNameLength {
		name = s.Username()
	}
	if err := h.queue.JoinQueue(s.ID(), name); err != nil {
		if errors.Is(err, matchmaking.ErrAlreadyQueued) {
			return true
		}
		h.logger.Warn("queue join", zap.String("session_id", s.ID()), zap.Error(err))
	}
	return true
}

// Leave removes the session from matchmaking and confirms it.
func (h *LobbyHandler) Leave(s *session.Session, _ protocol.Packet) bool {
	h.queue.LeaveQueue(s.ID())
	if err := s.Send(protocol.ActionQueueUpdate, protocol.QueueUpdate{
		InQueue:     false,
		OnlineCount: h.online(),
	}); err != nil {
		h.logger.Debug("queue update", zap.String("session_id", s.ID()), zap.Error(err))
	}
	return true
}
