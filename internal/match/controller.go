// Package match implements the authoritative rules of one match: per-player
// boards, move validation with global and per-cell cooldowns, powerups,
// ability effects, completion and the state hash clients use to detect
// desync.
//
// A Controller is not safe for concurrent use; it is owned by a room and
// mutated only on the event loop.
package match

import (
	"fmt"
	"sort"
	"time"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

// Verdict classifies the outcome of a player request.
type Verdict int

const (
	// Invalid requests cannot be produced by a legitimate client. The caller
	// treats them as a protocol violation.
	Invalid Verdict = iota
	// Rejected requests are valid but disallowed by the current state. The
	// submitter receives a targeted rejection.
	Rejected
	// Accepted requests were applied.
	Accepted
)

func (v Verdict) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case Rejected:
		return "rejected"
	case Accepted:
		return "accepted"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Draw is the Result winner of a drawn match.
const Draw = -1

// Result reasons.
const (
	ReasonCompleted = "completed"
	ReasonDraw      = "draw"
	ReasonForfeit   = "forfeit"
	ReasonAbandoned = "abandoned"
)

// Rules holds the tunable match rules.
type Rules struct {
	GlobalCooldown  time.Duration
	CellCooldown    time.Duration
	PowerupEvery    int
	PowerupLifetime time.Duration
}

// RulesFromConfig extracts Rules from the match configuration.
func RulesFromConfig(cfg config.MatchConfig) Rules {
	return Rules{
		GlobalCooldown:  cfg.GlobalCooldown,
		CellCooldown:    cfg.CellCooldown,
		PowerupEvery:    cfg.PowerupEvery,
		PowerupLifetime: cfg.PowerupLifetime,
	}
}

// Slot is a granted powerup waiting to be cast.
type Slot struct {
	PupID     int
	Ability   *Ability
	ExpiresAt int64
}

// MoveResult is the outcome of ApplyMove.
type MoveResult struct {
	Verdict    Verdict
	Reason     string
	ServerTime int64
	// Completed is set when this move completed the player's board.
	Completed bool
	// Granted is the powerup earned by this move, if any.
	Granted *Slot
}

// Cast is the outcome of ConsumeAbility.
type Cast struct {
	Verdict    Verdict
	Reason     string
	Ability    *Ability
	ServerTime int64
}

// Result is the end of a match.
type Result struct {
	Winner  int
	Reason  string
	EndedAt int64
}

type board struct {
	values        puzzle.Grid
	cellCooldown  [puzzle.Cells]int64
	credited      [puzzle.Cells]bool
	cooldownEnd   int64
	lastActionID  int64
	correctPlaced int
	completedAt   int64

	frozenUntil int64
	shieldUntil int64
	hasteUntil  int64
	blindUntil  int64

	nextPupID       int
	slots           map[int]*Slot
	abilityCooldown map[string]int64
	pending         map[string]Effect
}

// Controller holds the authoritative state of one match.
type Controller struct {
	puzzle   *puzzle.Puzzle
	rules    Rules
	catalog  *Catalog
	resolver Resolver
	src      dice.Source
	now      func() time.Time

	boards    []*board
	lastStamp int64
	result    *Result
}

// NewController creates a Controller for players participants, each starting
// from the puzzle givens.
//
// Precondition: p must be non-nil; players >= 2; src and now must be non-nil.
// catalog may be nil, which disables powerups.
// Postcondition: Returns a Controller with no moves applied.
func NewController(p *puzzle.Puzzle, players int, rules Rules, catalog *Catalog, src dice.Source, now func() time.Time) *Controller {
	c := &Controller{
		puzzle:   p,
		rules:    rules,
		catalog:  catalog,
		resolver: CatalogResolver{},
		src:      src,
		now:      now,
		boards:   make([]*board, players),
	}
	for i := range c.boards {
		c.boards[i] = &board{
			values:          p.Givens,
			slots:           make(map[int]*Slot),
			abilityCooldown: make(map[string]int64),
			pending:         make(map[string]Effect),
		}
	}
	return c
}

// SetResolver replaces the effect resolver.
func (c *Controller) SetResolver(r Resolver) { c.resolver = r }

// Puzzle returns the puzzle being played.
func (c *Controller) Puzzle() *puzzle.Puzzle { return c.puzzle }

// Players returns the number of participants.
func (c *Controller) Players() int { return len(c.boards) }

// Values returns player's current board.
//
// Precondition: 0 <= player < Players().
func (c *Controller) Values(player int) puzzle.Grid { return c.boards[player].values }

// Now returns the current time in unix milliseconds.
func (c *Controller) Now() int64 { return c.now().UnixMilli() }

// stamp returns a server time strictly greater than every earlier stamp.
func (c *Controller) stamp() int64 {
	t := c.Now()
	if t <= c.lastStamp {
		t = c.lastStamp + 1
	}
	c.lastStamp = t
	return t
}

func (c *Controller) validPlayer(player int) bool {
	return player >= 0 && player < len(c.boards)
}

// ApplyMove validates and applies a move by player.
//
// Postcondition: An Invalid or Rejected result leaves the board unchanged
// apart from consuming the action id. An Accepted result carries a server
// time strictly greater than any earlier one.
func (c *Controller) ApplyMove(player int, m protocol.Move) MoveResult {
	if !c.validPlayer(player) {
		return MoveResult{Verdict: Invalid, Reason: "unknown player"}
	}
	if m.CellIndex < 0 || m.CellIndex >= puzzle.Cells {
		return MoveResult{Verdict: Invalid, Reason: "cell out of range"}
	}
	if m.Value < 0 || m.Value > puzzle.Size {
		return MoveResult{Verdict: Invalid, Reason: "value out of range"}
	}
	if c.puzzle.Fixed(m.CellIndex) {
		return MoveResult{Verdict: Invalid, Reason: "cell is fixed"}
	}
	b := c.boards[player]
	if m.ActionID <= b.lastActionID {
		return MoveResult{Verdict: Invalid, Reason: "stale action id"}
	}
	b.lastActionID = m.ActionID

	now := c.Now()
	switch {
	case c.result != nil:
		return MoveResult{Verdict: Rejected, Reason: "match over"}
	case b.completedAt != 0:
		return MoveResult{Verdict: Rejected, Reason: "board completed"}
	case now < b.frozenUntil:
		return MoveResult{Verdict: Rejected, Reason: "frozen"}
	case now < b.cooldownEnd:
		return MoveResult{Verdict: Rejected, Reason: "global cooldown"}
	case now < b.cellCooldown[m.CellIndex]:
		return MoveResult{Verdict: Rejected, Reason: "cell cooldown"}
	case m.Value != 0 && b.values[m.CellIndex] != 0:
		return MoveResult{Verdict: Rejected, Reason: "cell already set"}
	case m.Value == 0 && b.values[m.CellIndex] == 0:
		return MoveResult{Verdict: Rejected, Reason: "cell already empty"}
	}

	t := c.stamp()
	b.values[m.CellIndex] = m.Value
	gc := c.rules.GlobalCooldown
	if t < b.hasteUntil {
		gc /= 2
	}
	b.cooldownEnd = t + gc.Milliseconds()
	b.cellCooldown[m.CellIndex] = t + c.rules.CellCooldown.Milliseconds()

	res := MoveResult{Verdict: Accepted, ServerTime: t}
	if m.Value != 0 && c.puzzle.Correct(m.CellIndex, m.Value) && !b.credited[m.CellIndex] {
		b.credited[m.CellIndex] = true
		b.correctPlaced++
		if c.rules.PowerupEvery > 0 && b.correctPlaced%c.rules.PowerupEvery == 0 {
			res.Granted = c.grant(b, t)
		}
	}
	if c.puzzle.Solved(b.values) {
		b.completedAt = t
		res.Completed = true
	}
	return res
}

func (c *Controller) grant(b *board, now int64) *Slot {
	if c.catalog == nil || c.catalog.Len() == 0 {
		return nil
	}
	all := c.catalog.All()
	b.nextPupID++
	s := &Slot{
		PupID:     b.nextPupID,
		Ability:   all[c.src.Intn(len(all))],
		ExpiresAt: now + c.rules.PowerupLifetime.Milliseconds(),
	}
	b.slots[s.PupID] = s
	return s
}

// ConsumeAbility spends the powerup in slot pupID, cast with action.
//
// Postcondition: An Accepted cast removes the slot, starts the ability's
// cooldown and carries a fresh server time.
func (c *Controller) ConsumeAbility(action protocol.Action, player int, actionID int64, pupID int) Cast {
	if !c.validPlayer(player) {
		return Cast{Verdict: Invalid, Reason: "unknown player"}
	}
	b := c.boards[player]
	if actionID <= b.lastActionID {
		return Cast{Verdict: Invalid, Reason: "stale action id"}
	}
	slot, ok := b.slots[pupID]
	if ok && slot.Ability.Action != action {
		return Cast{Verdict: Invalid, Reason: "slot holds another ability"}
	}
	b.lastActionID = actionID

	now := c.Now()
	switch {
	case c.result != nil:
		return Cast{Verdict: Rejected, Reason: "match over"}
	case !ok:
		return Cast{Verdict: Rejected, Reason: "no such powerup"}
	case slot.ExpiresAt != 0 && now >= slot.ExpiresAt:
		delete(b.slots, pupID)
		return Cast{Verdict: Rejected, Reason: "powerup expired"}
	case now < b.abilityCooldown[slot.Ability.ID]:
		return Cast{Verdict: Rejected, Reason: "ability cooldown"}
	}

	t := c.stamp()
	delete(b.slots, pupID)
	b.abilityCooldown[slot.Ability.ID] = t + slot.Ability.Cooldown.Milliseconds()
	return Cast{Verdict: Accepted, Ability: slot.Ability, ServerTime: t}
}

// Ability returns the catalog ability cast with action.
func (c *Controller) Ability(action protocol.Action) (*Ability, bool) {
	if c.catalog == nil {
		return nil, false
	}
	return c.catalog.ByAction(action)
}

// Slots returns player's unexpired powerups ordered by pupID.
func (c *Controller) Slots(player int) []*Slot {
	if !c.validPlayer(player) {
		return nil
	}
	now := c.Now()
	var out []*Slot
	for id, s := range c.boards[player].slots {
		if s.ExpiresAt != 0 && now >= s.ExpiresAt {
			delete(c.boards[player].slots, id)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PupID < out[j].PupID })
	return out
}

// Completed reports whether player finished the board.
func (c *Controller) Completed(player int) bool {
	return c.validPlayer(player) && c.boards[player].completedAt != 0
}

// AllCompleted reports whether every player finished.
func (c *Controller) AllCompleted() bool {
	for _, b := range c.boards {
		if b.completedAt == 0 {
			return false
		}
	}
	return true
}

// Over reports whether the match has a result.
func (c *Controller) Over() bool { return c.result != nil }

// Result returns the match result once the match is over.
func (c *Controller) Result() (Result, bool) {
	if c.result == nil {
		return Result{}, false
	}
	return *c.result, true
}

// Resolve ends the match from the completions recorded so far: several
// finishers draw, a single finisher wins.
//
// Precondition: At least one player completed.
// Postcondition: Over() is true. Calling Resolve again returns the same Result.
func (c *Controller) Resolve() Result {
	if c.result != nil {
		return *c.result
	}
	winner, finished := Draw, 0
	var first int64
	for i, b := range c.boards {
		if b.completedAt == 0 {
			continue
		}
		finished++
		if first == 0 || b.completedAt < first {
			first, winner = b.completedAt, i
		}
	}
	res := Result{Winner: winner, Reason: ReasonCompleted, EndedAt: c.stamp()}
	if finished > 1 {
		res.Winner, res.Reason = Draw, ReasonDraw
	}
	c.result = &res
	return res
}

// Forfeit ends the match against player. The remaining player with the most
// correct placements wins, ties going to the lower index.
//
// Postcondition: Over() is true. A match already over keeps its result.
func (c *Controller) Forfeit(player int, reason string) Result {
	if c.result != nil {
		return *c.result
	}
	winner, best := Draw, -1
	for i, b := range c.boards {
		if i == player {
			continue
		}
		if b.correctPlaced > best {
			winner, best = i, b.correctPlaced
		}
	}
	res := Result{Winner: winner, Reason: reason, EndedAt: c.stamp()}
	c.result = &res
	return res
}

// StateHash digests every board. Clients compare it with their own view
// after a rejection.
func (c *Controller) StateHash() string {
	grids := make([]puzzle.Grid, len(c.boards))
	for i, b := range c.boards {
		grids[i] = b.values
	}
	return HashBoards(grids...)
}

// Snapshot returns the authoritative state as seen by viewer. Only the
// viewer's own powerup slots are listed.
func (c *Controller) Snapshot(viewer int) []protocol.BoardState {
	now := c.Now()
	out := make([]protocol.BoardState, len(c.boards))
	for i, b := range c.boards {
		st := protocol.BoardState{
			Values:        b.values.String(),
			CooldownEnd:   b.cooldownEnd,
			Completed:     b.completedAt != 0,
			LastActionID:  b.lastActionID,
			CorrectPlaced: b.correctPlaced,
		}
		if now < b.frozenUntil {
			st.FrozenUntil = b.frozenUntil
		}
		if now < b.hasteUntil {
			st.HasteUntil = b.hasteUntil
		}
		st.ShieldActive = now < b.shieldUntil
		if i == viewer {
			for _, s := range c.Slots(i) {
				st.PowerupSlots = append(st.PowerupSlots, s.PupID)
			}
		}
		out[i] = st
	}
	return out
}
