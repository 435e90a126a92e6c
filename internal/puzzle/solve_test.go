package puzzle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

func TestSolve_Classic(t *testing.T) {
	g, err := puzzle.ParseGrid(givens)
	require.NoError(t, err)
	got, ok := puzzle.Solve(g)
	require.True(t, ok)
	assert.Equal(t, solution, got.String())
}

func TestSolve_Contradiction(t *testing.T) {
	g, err := puzzle.ParseGrid(givens)
	require.NoError(t, err)
	g[2] = 5 // row 0 already holds a 5
	_, ok := puzzle.Solve(g)
	assert.False(t, ok)

	_, ok = puzzle.Solve(puzzle.Grid{0: 10})
	assert.False(t, ok)
}

func TestSolve_EmptyGridYieldsValidSolution(t *testing.T) {
	got, ok := puzzle.Solve(puzzle.Grid{})
	require.True(t, ok)
	_, err := puzzle.New(puzzle.Def{ID: "empty", Givens: puzzle.Grid{}.String(), Solution: got.String()})
	assert.NoError(t, err)
}

// Property: blanking any subset of a solution's cells solves back to a grid
// that keeps every remaining digit and is itself a valid solution.
func TestPropertySolveKeepsGivens(t *testing.T) {
	full, err := puzzle.ParseGrid(solution)
	require.NoError(t, err)
	rapid.Check(t, func(rt *rapid.T) {
		g := full
		blank := rapid.SliceOfNDistinct(rapid.IntRange(0, puzzle.Cells-1), 0, 60, rapid.ID[int]).Draw(rt, "blank")
		for _, i := range blank {
			g[i] = 0
		}
		got, ok := puzzle.Solve(g)
		if !ok {
			rt.Fatalf("no solution for a blanked valid grid")
		}
		for i, v := range g {
			if v != 0 && got[i] != v {
				rt.Fatalf("cell %d changed from %d to %d", i, v, got[i])
			}
		}
		if _, err := puzzle.New(puzzle.Def{ID: "p", Givens: g.String(), Solution: got.String()}); err != nil {
			rt.Fatalf("solution rejected: %v", err)
		}
	})
}
