// Package client models a player's view of a match: optimistic pending
// moves, local cooldown enforcement and reconciliation against the server's
// confirmations and rejections. Times are unix milliseconds on the local
// clock unless named otherwise.
package client

import (
	"errors"
	"math/bits"

	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

// Errors returned by Board.SetPending.
var (
	ErrOutOfRange = errors.New("cell or value out of range")
	ErrFixed      = errors.New("cell is fixed")
	ErrOccupied   = errors.New("cell already holds a value")
	ErrEmpty      = errors.New("cell is already empty")
	ErrPending    = errors.New("cell has a pending value")
	ErrCooldown   = errors.New("cooldown active")
)

// Pending is an unconfirmed local mutation.
type Pending struct {
	ActionID int64
	Value    int
	At       int64
	// End is the global cooldown end this submission started.
	End int64
}

// Cell is one board square.
type Cell struct {
	Value   int
	Fixed   bool
	notes   uint16
	pending *Pending
}

// Pending returns the outstanding mutation, if any.
func (c Cell) Pending() (Pending, bool) {
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// Display returns the value to render: the pending value if one is
// outstanding, else the confirmed one.
func (c Cell) Display() int {
	if c.pending != nil {
		return c.pending.Value
	}
	return c.Value
}

// Notes returns the candidate digits in ascending order.
func (c Cell) Notes() []int {
	out := make([]int, 0, bits.OnesCount16(c.notes))
	for d := 1; d <= puzzle.Size; d++ {
		if c.notes&(1<<d) != 0 {
			out = append(out, d)
		}
	}
	return out
}

// Cooldowns are the durations the server enforces, in milliseconds.
type Cooldowns struct {
	Global int64
	Cell   int64
}

// Board is one player's board as seen by the client.
type Board struct {
	cells       [puzzle.Cells]Cell
	cd          Cooldowns
	cooldownEnd int64
	cellEnd     [puzzle.Cells]int64
	hasteUntil  int64
	byAction    map[int64]int
}

// NewBoard creates a board showing givens.
func NewBoard(givens puzzle.Grid, cd Cooldowns) *Board {
	b := &Board{cd: cd, byAction: make(map[int64]int)}
	for i, v := range givens {
		b.cells[i] = Cell{Value: v, Fixed: v != 0}
	}
	return b
}

// Cell returns a copy of cell i.
func (b *Board) Cell(i int) Cell { return b.cells[i] }

// Values returns the confirmed values.
func (b *Board) Values() puzzle.Grid {
	var g puzzle.Grid
	for i, c := range b.cells {
		g[i] = c.Value
	}
	return g
}

// PendingCount returns the number of outstanding mutations.
func (b *Board) PendingCount() int { return len(b.byAction) }

// SetHasteUntil halves the global cooldown of submissions made before t.
func (b *Board) SetHasteUntil(t int64) { b.hasteUntil = max(b.hasteUntil, t) }

func (b *Board) globalCooldown(at int64) int64 {
	if at < b.hasteUntil {
		return b.cd.Global / 2
	}
	return b.cd.Global
}

// CooldownEnd returns the end of the global cooldown window: the latest
// pending submission's if any is outstanding, else the last confirmed one.
func (b *Board) CooldownEnd() int64 {
	var end int64
	for _, cell := range b.byAction {
		end = max(end, b.cells[cell].pending.End)
	}
	if len(b.byAction) > 0 {
		return end
	}
	return b.cooldownEnd
}

// Ready reports whether a new submission is allowed at now.
func (b *Board) Ready(now int64) bool { return now >= b.CooldownEnd() }

// SetPending records an optimistic mutation of cell submitted at now.
//
// Postcondition: On success the cell displays value and CooldownEnd() is
// now plus the global cooldown. On error nothing changed.
func (b *Board) SetPending(cell, value int, actionID, now int64) error {
	if cell < 0 || cell >= puzzle.Cells || value < 0 || value > puzzle.Size {
		return ErrOutOfRange
	}
	c := &b.cells[cell]
	switch {
	case c.Fixed:
		return ErrFixed
	case c.pending != nil:
		return ErrPending
	case value != 0 && c.Value != 0:
		return ErrOccupied
	case value == 0 && c.Value == 0:
		return ErrEmpty
	case now < b.CooldownEnd(), now < b.cellEnd[cell]:
		return ErrCooldown
	}
	c.pending = &Pending{ActionID: actionID, Value: value, At: now, End: now + b.globalCooldown(now)}
	b.byAction[actionID] = cell
	return nil
}

// Confirm commits the pending mutation for actionID at its submission time.
//
// Postcondition: Returns false, changing nothing, when actionID is not pending.
func (b *Board) Confirm(actionID int64) bool {
	cell, ok := b.byAction[actionID]
	if !ok {
		return false
	}
	p := b.cells[cell].pending
	delete(b.byAction, actionID)
	b.cells[cell].pending = nil
	b.commit(cell, p.Value, p.At)
	return true
}

// Reject discards the pending mutation for actionID, restoring the cell's
// confirmed value and the cooldown window that preceded the submission.
//
// Postcondition: Returns false, changing nothing, when actionID is not pending.
func (b *Board) Reject(actionID int64) bool {
	cell, ok := b.byAction[actionID]
	if !ok {
		return false
	}
	delete(b.byAction, actionID)
	b.cells[cell].pending = nil
	return true
}

// Commit applies a confirmed mutation that had no local pending state, such
// as an opponent's move, at the local time at.
func (b *Board) Commit(cell, value int, at int64) {
	if cell < 0 || cell >= puzzle.Cells || b.cells[cell].Fixed {
		return
	}
	b.commit(cell, value, at)
}

func (b *Board) commit(cell, value int, at int64) {
	b.cells[cell].Value = value
	if value != 0 {
		b.cells[cell].notes = 0
	}
	b.cooldownEnd = max(b.cooldownEnd, at+b.globalCooldown(at))
	b.cellEnd[cell] = max(b.cellEnd[cell], at+b.cd.Cell)
}

// ToggleNote flips candidate digit d on an unfilled cell.
func (b *Board) ToggleNote(cell, d int) error {
	if cell < 0 || cell >= puzzle.Cells || d < 1 || d > puzzle.Size {
		return ErrOutOfRange
	}
	c := &b.cells[cell]
	switch {
	case c.Fixed:
		return ErrFixed
	case c.Value != 0:
		return ErrOccupied
	}
	c.notes ^= 1 << d
	return nil
}

// Reset replaces the confirmed state with an authoritative snapshot and
// drops every pending mutation. Notes on still empty cells survive.
func (b *Board) Reset(values puzzle.Grid, cooldownEnd int64) {
	for i := range b.cells {
		c := &b.cells[i]
		c.pending = nil
		if c.Fixed {
			continue
		}
		c.Value = values[i]
		if c.Value != 0 {
			c.notes = 0
		}
	}
	clear(b.byAction)
	b.cooldownEnd = cooldownEnd
	b.cellEnd = [puzzle.Cells]int64{}
}
