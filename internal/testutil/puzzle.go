package testutil

import "github.com/cory-johannsen/gridlock/internal/puzzle"

// A well known puzzle and its unique solution.
const (
	ClassicGivens   = "530070000600195000098000060800060003400803001700020006060000280000419005000080079"
	ClassicSolution = "534678912672195348198342567859761423426853791713924856961537284287419635345286179"
)

// ClassicPuzzle returns the classic puzzle.
func ClassicPuzzle() *puzzle.Puzzle {
	p, err := puzzle.New(puzzle.Def{ID: "classic", Givens: ClassicGivens, Solution: ClassicSolution})
	if err != nil {
		panic(err)
	}
	return p
}

// ClassicLibrary returns a library holding only the classic puzzle.
func ClassicLibrary() *puzzle.Library {
	lib, err := puzzle.NewLibrary(ClassicPuzzle())
	if err != nil {
		panic(err)
	}
	return lib
}

// EmptyCells lists the non-given cells of the classic puzzle in order.
func EmptyCells() []int {
	var out []int
	for i := 0; i < puzzle.Cells; i++ {
		if ClassicGivens[i] == '0' {
			out = append(out, i)
		}
	}
	return out
}

// SolutionAt returns the solution digit of cell.
func SolutionAt(cell int) int { return int(ClassicSolution[cell] - '0') }
