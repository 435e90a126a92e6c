package client

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

// ErrUnknownPlayer is returned for a player index outside the match.
var ErrUnknownPlayer = errors.New("unknown player")

// Outcome is how a server message resolved a local action.
type Outcome int

// Outcomes.
const (
	// Ignored means the message matched no pending action.
	Ignored Outcome = iota
	Confirmed
	Discarded
	// Applied means a move without local pending state was committed.
	Applied
)

// Match is the client's view of a running match.
type Match struct {
	myID     int
	boards   []*Board
	clock    *ClockSync
	actionID int64
	desync   bool
	resolved map[int64]Outcome
}

// NewMatch creates a Match from the MATCH_START givens for players boards.
//
// Precondition: 0 <= myID < players.
func NewMatch(start protocol.MatchStart, myID, players int, cd Cooldowns, clock *ClockSync) (*Match, error) {
	givens, err := puzzle.ParseGrid(start.Givens)
	if err != nil {
		return nil, fmt.Errorf("parsing givens: %w", err)
	}
	if myID < 0 || myID >= players {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownPlayer, myID, players)
	}
	m := &Match{myID: myID, clock: clock, resolved: make(map[int64]Outcome)}
	for range players {
		m.boards = append(m.boards, NewBoard(givens, cd))
	}
	return m, nil
}

// MyID returns the local player's index.
func (m *Match) MyID() int { return m.myID }

// Board returns player's board.
func (m *Match) Board(player int) (*Board, error) {
	if player < 0 || player >= len(m.boards) {
		return nil, ErrUnknownPlayer
	}
	return m.boards[player], nil
}

// Desynced reports whether a rejection carried a hash that differs from the
// locally computed one. It is cleared by ApplyState.
func (m *Match) Desynced() bool { return m.desync }

// LocalHash digests the confirmed values of every board the way the server does.
func (m *Match) LocalHash() string {
	grids := make([]puzzle.Grid, len(m.boards))
	for i, b := range m.boards {
		grids[i] = b.Values()
	}
	return match.HashBoards(grids...)
}

// Submit stages a move on the local board at local time now and returns the
// MOVE to send.
//
// Postcondition: On error no action id was consumed.
func (m *Match) Submit(cell, value int, now int64) (protocol.Move, error) {
	id := m.actionID + 1
	if err := m.boards[m.myID].SetPending(cell, value, id, now); err != nil {
		return protocol.Move{}, err
	}
	m.actionID = id
	return protocol.Move{ActionID: id, CellIndex: cell, Value: value, ClientTime: now}, nil
}

// NextActionID reserves an action id for a non-move request such as an
// ability use.
func (m *Match) NextActionID() int64 {
	m.actionID++
	return m.actionID
}

// HandleConfirm reconciles a MOVE_CONFIRM received at local time now.
func (m *Match) HandleConfirm(c protocol.MoveConfirm, now int64) Outcome {
	m.clock.Observe(c.ServerTime, now)
	b, err := m.Board(c.PlayerID)
	if err != nil {
		return Ignored
	}
	if c.PlayerID == m.myID {
		if _, done := m.resolved[c.ActionID]; done {
			return Ignored
		}
		if b.Confirm(c.ActionID) {
			m.resolved[c.ActionID] = Confirmed
			return Confirmed
		}
	}
	b.Commit(c.CellIndex, c.Value, m.clock.ToLocal(c.ServerTime))
	return Applied
}

// HandleReject discards the pending action and checks the carried hash.
func (m *Match) HandleReject(r protocol.Reject) Outcome {
	if _, done := m.resolved[r.ActionID]; done {
		return Ignored
	}
	if r.GameStateHash != "" && r.GameStateHash != m.LocalHash() {
		m.desync = true
	}
	if !m.boards[m.myID].Reject(r.ActionID) {
		return Ignored
	}
	m.resolved[r.ActionID] = Discarded
	return Discarded
}

// Resolution returns how actionID was resolved, or Ignored if it was not.
func (m *Match) Resolution(actionID int64) Outcome { return m.resolved[actionID] }

// HandleAbilityUsed applies the client-visible part of an effect.
func (m *Match) HandleAbilityUsed(u protocol.AbilityUsed) {
	if u.Blocked || u.Effect != string(match.EffectHaste) {
		return
	}
	if b, err := m.Board(u.Target); err == nil {
		b.SetHasteUntil(m.clock.ToLocal(u.ExpiresAt))
	}
}

// ApplyState replaces every board with the authoritative MATCH_STATE.
func (m *Match) ApplyState(st protocol.MatchState, now int64) error {
	if len(st.Boards) != len(m.boards) {
		return fmt.Errorf("state has %d boards, want %d", len(st.Boards), len(m.boards))
	}
	m.clock.Observe(st.ServerTime, now)
	for i, bs := range st.Boards {
		values, err := puzzle.ParseGrid(bs.Values)
		if err != nil {
			return fmt.Errorf("board %d: %w", i, err)
		}
		m.boards[i].Reset(values, m.clock.ToLocal(bs.CooldownEnd))
		if bs.HasteUntil > 0 {
			m.boards[i].SetHasteUntil(m.clock.ToLocal(bs.HasteUntil))
		}
	}
	m.actionID = max(m.actionID, st.Boards[m.myID].LastActionID)
	m.desync = false
	return nil
}
