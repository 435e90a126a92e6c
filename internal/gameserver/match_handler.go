package gameserver

import (
	"sort"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/dispatch"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/room"
	"github.com/cory-johannsen/gridlock/internal/session"
)

// MatchContext is what every in-match handler acts on: the sender, its room
// and the player index the sender holds there.
type MatchContext struct {
	Session *session.Session
	Room    *room.Room
	Player  int
}

// Rooms looks up live rooms by code.
type Rooms interface {
	Get(code string) (*room.Room, bool)
}

// MatchHandler handles the match lifecycle, player action and ability families.
type MatchHandler struct {
	rooms   Rooms
	catalog *match.Catalog
	logger  *zap.Logger
}

// NewMatchHandler creates a MatchHandler. Only abilities in catalog are routable.
//
// Precondition: rooms and logger must be non-nil.
func NewMatchHandler(rooms Rooms, catalog *match.Catalog, logger *zap.Logger) *MatchHandler {
	return &MatchHandler{rooms: rooms, catalog: catalog, logger: logger}
}

// Context resolves the sender's room and player index.
func (h *MatchHandler) Context(s *session.Session) (*MatchContext, bool) {
	r, ok := h.rooms.Get(s.RoomCode())
	if !ok {
		return nil, false
	}
	i, ok := r.PlayerIndex(s.ID())
	if !ok {
		return nil, false
	}
	return &MatchContext{Session: s, Room: r, Player: i}, true
}

// Tree returns the in-match routing tree: lifecycle, player actions, then
// one leaf per ability school.
func (h *MatchHandler) Tree() dispatch.Handler[*MatchContext] {
	return dispatch.NewRouter(
		dispatch.Route[*MatchContext]{Match: dispatch.Lifecycle, Next: dispatch.NewLeaf(map[protocol.Action]dispatch.HandlerFunc[*MatchContext]{
			protocol.ActionMatchSync: h.Sync,
			protocol.ActionForfeit:   h.Forfeit,
		})},
		dispatch.Route[*MatchContext]{Match: dispatch.Player, Next: dispatch.NewLeaf(map[protocol.Action]dispatch.HandlerFunc[*MatchContext]{
			protocol.ActionMove: h.Move,
		})},
		dispatch.Route[*MatchContext]{Match: dispatch.Ability, Next: h.abilityRouter()},
	)
}

func (h *MatchHandler) abilityRouter() dispatch.Handler[*MatchContext] {
	bySchool := make(map[protocol.School]map[protocol.Action]dispatch.HandlerFunc[*MatchContext])
	if h.catalog != nil {
		for _, a := range h.catalog.All() {
			school := a.School()
			if bySchool[school] == nil {
				bySchool[school] = make(map[protocol.Action]dispatch.HandlerFunc[*MatchContext])
			}
			bySchool[school][a.Action] = h.Cast
		}
	}
	schools := make([]protocol.School, 0, len(bySchool))
	for s := range bySchool {
		schools = append(schools, s)
	}
	sort.Slice(schools, func(i, j int) bool { return schools[i] < schools[j] })

	routes := make([]dispatch.Route[*MatchContext], 0, len(schools))
	for _, s := range schools {
		routes = append(routes, dispatch.Route[*MatchContext]{Match: dispatch.School(s), Next: dispatch.NewLeaf(bySchool[s])})
	}
	return dispatch.NewRouter(routes...)
}

// Sync answers MATCH_SYNC with the full match state.
func (h *MatchHandler) Sync(mc *MatchContext, _ protocol.Packet) bool {
	mc.Room.Sync(mc.Player)
	return true
}

// Forfeit concedes the match.
func (h *MatchHandler) Forfeit(mc *MatchContext, _ protocol.Packet) bool {
	h.logger.Info("forfeit", zap.String("session_id", mc.Session.ID()), zap.String("room", mc.Room.Code()))
	mc.Room.Forfeit(mc.Player)
	return true
}

// Move applies a MOVE for the sender's own board.
//
// Postcondition: Returns false when the move could not come from a
// legitimate client.
func (h *MatchHandler) Move(mc *MatchContext, p protocol.Packet) bool {
	var m protocol.Move
	if err := p.Decode(&m); err != nil {
		return false
	}
	return mc.Room.Move(mc.Player, m) != match.Invalid
}

// Cast spends a powerup slot on the ability named by the action.
func (h *MatchHandler) Cast(mc *MatchContext, p protocol.Packet) bool {
	var use protocol.AbilityUse
	if err := p.Decode(&use); err != nil {
		return false
	}
	return mc.Room.Cast(p.Action, mc.Player, use) != match.Invalid
}

// Stale answers a match packet from a session whose match already ended.
// Moves and ability uses get a REJECT without a hash; lifecycle packets are
// dropped.
func (h *MatchHandler) Stale(s *session.Session, p protocol.Packet) bool {
	if p.Action.IsLifecycle() {
		return true
	}
	var ref struct {
		ActionID int64 `json:"actionID"`
	}
	if err := p.Decode(&ref); err != nil {
		return false
	}
	if err := s.Send(protocol.ActionReject, protocol.Reject{ActionID: ref.ActionID}); err != nil {
		h.logger.Debug("stale reject", zap.String("session_id", s.ID()), zap.Error(err))
	}
	return true
}
