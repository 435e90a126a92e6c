// Package room implements the container of one live match: participants by
// index, the match controller, a registry of timers cancelled together on
// teardown, and fan-out to participant sessions.
//
// Rooms hold session identities, never sessions. Messages reach players
// through a Directory lookup by identity. Every method runs on the loop.
package room

import (
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/protocol"
)

// Player is one participant.
type Player struct {
	SessionID string
	Name      string
}

// Directory delivers messages to sessions by identity and records room
// membership on them.
type Directory interface {
	Send(id string, action protocol.Action, payload any) error
	// BindRoom marks id as playing in code.
	BindRoom(id, code string)
	// UnbindRoom clears id's membership if it is still code.
	UnbindRoom(id, code string)
}

// Room is one live match.
type Room struct {
	code       string
	loop       *loop.Loop
	dir        Directory
	ctrl       *match.Controller
	drawWindow time.Duration
	logger     *zap.Logger

	players   []Player
	timers    map[*loop.Timer]struct{}
	drawTimer *loop.Timer
	closed    bool
	onEnd     func(r *Room, res match.Result)
}

// New creates a Room around ctrl. Participants are added with AddParticipants.
//
// Precondition: l, dir, ctrl and logger must be non-nil.
func New(code string, ctrl *match.Controller, l *loop.Loop, dir Directory, drawWindow time.Duration, logger *zap.Logger) *Room {
	return &Room{
		code:       code,
		loop:       l,
		dir:        dir,
		ctrl:       ctrl,
		drawWindow: drawWindow,
		logger:     logger.With(zap.String("room", code)),
		timers:     make(map[*loop.Timer]struct{}),
	}
}

// Code returns the room code.
func (r *Room) Code() string { return r.code }

// Controller returns the match controller.
func (r *Room) Controller() *match.Controller { return r.ctrl }

// Closed reports whether the room was torn down.
func (r *Room) Closed() bool { return r.closed }

// OnEnd sets the callback invoked once when the match ends with a result.
func (r *Room) OnEnd(fn func(r *Room, res match.Result)) { r.onEnd = fn }

// AddParticipants binds players to indices 0..n-1 in the given order and
// marks each session as playing here.
//
// Precondition: len(players) == Controller().Players() and no participants were added yet.
func (r *Room) AddParticipants(players ...Player) {
	r.players = append([]Player(nil), players...)
	for _, p := range r.players {
		r.dir.BindRoom(p.SessionID, r.code)
	}
}

// Players returns the participants in index order.
func (r *Room) Players() []Player {
	return append([]Player(nil), r.players...)
}

// PlayerIndex returns the index bound to sessionID.
func (r *Room) PlayerIndex(sessionID string) (int, bool) {
	for i, p := range r.players {
		if p.SessionID == sessionID {
			return i, true
		}
	}
	return 0, false
}

// Broadcast sends a message to every participant, or only to the listed
// indices. Delivery failures to dangling sessions are expected and only logged.
func (r *Room) Broadcast(action protocol.Action, payload any, to ...int) {
	send := func(i int) {
		if i < 0 || i >= len(r.players) {
			return
		}
		if err := r.dir.Send(r.players[i].SessionID, action, payload); err != nil {
			r.logger.Debug("broadcast",
				zap.Stringer("action", action),
				zap.Int("player", i),
				zap.Error(err),
			)
		}
	}
	if len(to) == 0 {
		for i := range r.players {
			send(i)
		}
		return
	}
	for _, i := range to {
		send(i)
	}
}

// ScheduleTimer runs fn on the loop after d unless the room closes first.
//
// Postcondition: The returned timer is tracked until it fires or the room closes.
func (r *Room) ScheduleTimer(d time.Duration, fn func()) *loop.Timer {
	var t *loop.Timer
	t = r.loop.AfterFunc(d, func() {
		delete(r.timers, t)
		if r.closed {
			return
		}
		fn()
	})
	r.timers[t] = struct{}{}
	return t
}

// TimerCount returns the number of outstanding timers.
func (r *Room) TimerCount() int { return len(r.timers) }

// Start announces the puzzle to every participant.
func (r *Room) Start() {
	r.Broadcast(protocol.ActionMatchStart, protocol.MatchStart{
		RoomCode:   r.code,
		Givens:     r.ctrl.Puzzle().Givens.String(),
		ServerTime: r.ctrl.Now(),
	})
	r.logger.Info("match started", zap.Int("players", len(r.players)))
}

func (r *Room) reject(player int, actionID int64) {
	r.Broadcast(protocol.ActionReject, protocol.Reject{
		ActionID:      actionID,
		GameStateHash: r.ctrl.StateHash(),
	}, player)
}

// Move applies a move by player. Accepted moves are confirmed to everyone,
// rejected ones answered to the submitter only.
//
// Postcondition: Returns match.Invalid without sending anything when the move
// could not come from a legitimate client.
func (r *Room) Move(player int, m protocol.Move) match.Verdict {
	if r.closed {
		r.reject(player, m.ActionID)
		return match.Rejected
	}
	res := r.ctrl.ApplyMove(player, m)
	switch res.Verdict {
	case match.Invalid:
		r.logger.Info("invalid move", zap.Int("player", player), zap.String("reason", res.Reason))
		return match.Invalid
	case match.Rejected:
		r.logger.Debug("move rejected",
			zap.Int("player", player),
			zap.Int64("action_id", m.ActionID),
			zap.String("reason", res.Reason),
		)
		r.reject(player, m.ActionID)
		return match.Rejected
	}

	r.Broadcast(protocol.ActionMoveConfirm, protocol.MoveConfirm{
		ActionID:   m.ActionID,
		PlayerID:   player,
		CellIndex:  m.CellIndex,
		Value:      m.Value,
		ServerTime: res.ServerTime,
	})
	if s := res.Granted; s != nil {
		r.Broadcast(protocol.ActionPowerupGranted, protocol.PowerupGranted{
			PupID:     s.PupID,
			Ability:   s.Ability.ID,
			Action:    int(s.Ability.Action),
			ExpiresAt: s.ExpiresAt,
		}, player)
	}
	if res.Completed {
		r.completed(player)
	}
	return match.Accepted
}

func (r *Room) completed(player int) {
	r.logger.Info("board completed", zap.Int("player", player))
	if r.ctrl.AllCompleted() {
		r.end(r.ctrl.Resolve())
		return
	}
	if r.drawTimer == nil {
		r.drawTimer = r.ScheduleTimer(r.drawWindow, func() {
			r.end(r.ctrl.Resolve())
		})
	}
}

// Cast spends player's powerup. The resolved effect is broadcast and its
// expiry scheduled on the room.
//
// Postcondition: Returns match.Invalid without sending anything when the
// request could not come from a legitimate client.
func (r *Room) Cast(action protocol.Action, player int, use protocol.AbilityUse) match.Verdict {
	ability, ok := r.ctrl.Ability(action)
	if !ok {
		return match.Invalid
	}
	target, ok := r.ctrl.CastTarget(ability, player, use.Target)
	if !ok {
		return match.Invalid
	}
	if r.closed {
		r.reject(player, use.ActionID)
		return match.Rejected
	}
	cast := r.ctrl.ConsumeAbility(action, player, use.ActionID, use.PupID)
	switch cast.Verdict {
	case match.Invalid:
		r.logger.Info("invalid cast", zap.Int("player", player), zap.String("reason", cast.Reason))
		return match.Invalid
	case match.Rejected:
		r.logger.Debug("cast rejected",
			zap.Int("player", player),
			zap.Int64("action_id", use.ActionID),
			zap.String("reason", cast.Reason),
		)
		r.reject(player, use.ActionID)
		return match.Rejected
	}

	e := r.ctrl.ResolveEffect(cast.Ability, player, target, cast.ServerTime)
	applied := r.ctrl.ApplyEffect(e)
	used := protocol.AbilityUsed{
		Ability:    cast.Ability.ID,
		ActionID:   use.ActionID,
		PupID:      use.PupID,
		ClientTime: use.ClientTime,
		Target:     e.Target,
		CellIndex:  use.CellIndex,
		PlayerID:   player,
		ServerTime: cast.ServerTime,
		Effect:     string(e.Kind),
		Blocked:    !applied,
	}
	if applied {
		used.ExpiresAt = e.ExpiresAt
		delay := time.Duration(e.ExpiresAt-r.ctrl.Now()) * time.Millisecond
		r.ScheduleTimer(delay, func() {
			if expired, ok := r.ctrl.ExpireEffect(e.Target, e.Ability, e.ExpiresAt); ok {
				r.Broadcast(protocol.ActionEffectExpired, protocol.EffectExpired{
					PlayerID: expired.Target,
					Effect:   string(expired.Kind),
				})
			}
		})
	}
	r.Broadcast(protocol.ActionAbilityUsed, used)
	return match.Accepted
}

// Sync sends the full match state to player.
func (r *Room) Sync(player int) {
	r.Broadcast(protocol.ActionMatchState, protocol.MatchState{
		RoomCode:      r.code,
		MyID:          player,
		Givens:        r.ctrl.Puzzle().Givens.String(),
		Boards:        r.ctrl.Snapshot(player),
		GameStateHash: r.ctrl.StateHash(),
		ServerTime:    r.ctrl.Now(),
	}, player)
}

// Forfeit ends the match against player.
func (r *Room) Forfeit(player int) {
	r.end(r.ctrl.Forfeit(player, match.ReasonForfeit))
}

// Leave ends the match against the departed session.
func (r *Room) Leave(sessionID string) {
	if i, ok := r.PlayerIndex(sessionID); ok {
		r.end(r.ctrl.Forfeit(i, match.ReasonAbandoned))
	}
}

func (r *Room) end(res match.Result) {
	if r.closed {
		return
	}
	r.Broadcast(protocol.ActionMatchEnd, protocol.MatchEnd{Winner: res.Winner, Reason: res.Reason})
	r.logger.Info("match ended",
		zap.Int("winner", res.Winner),
		zap.String("reason", res.Reason),
	)
	r.Close()
	if r.onEnd != nil {
		r.onEnd(r, res)
	}
}

// Close cancels every tracked timer and releases the participants.
//
// Postcondition: Closed() is true and TimerCount() is 0. Safe to call twice.
func (r *Room) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for t := range r.timers {
		t.Stop()
	}
	clear(r.timers)
	for _, p := range r.players {
		r.dir.UnbindRoom(p.SessionID, r.code)
	}
}
