// Package puzzle loads and validates the 9x9 number puzzles played in matches.
package puzzle

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gridlock/internal/dice"
)

// Size is the side length of the grid; Cells is the number of cells.
const (
	Size  = 9
	Cells = Size * Size
	box   = 3
)

// Grid is a row-major board. 0 marks an empty cell.
type Grid [Cells]int

// String renders g as 81 digits.
func (g Grid) String() string {
	var b strings.Builder
	b.Grow(Cells)
	for _, v := range g {
		b.WriteByte(byte('0' + v))
	}
	return b.String()
}

// ParseGrid reads 81 digits. Whitespace is ignored and '.' is read as 0.
//
// Postcondition: Returns an error unless exactly 81 cells in 0..9 are present.
func ParseGrid(s string) (Grid, error) {
	var g Grid
	n := 0
	for _, r := range s {
		switch {
		case r == ' ' || r == '\n' || r == '\t' || r == '\r':
			continue
		case r == '.':
			r = '0'
		case r < '0' || r > '9':
			return Grid{}, fmt.Errorf("invalid cell %q at position %d", r, n)
		}
		if n >= Cells {
			return Grid{}, fmt.Errorf("more than %d cells", Cells)
		}
		g[n] = int(r - '0')
		n++
	}
	if n != Cells {
		return Grid{}, fmt.Errorf("got %d cells, want %d", n, Cells)
	}
	return g, nil
}

// Def is the on-disk form of a puzzle.
type Def struct {
	ID         string `yaml:"id"`
	Difficulty string `yaml:"difficulty"`
	Givens     string `yaml:"givens"`
	Solution   string `yaml:"solution"`
}

// Puzzle is a validated puzzle.
//
// Invariant: Solution is a complete valid grid and every given equals the
// solution value of its cell.
type Puzzle struct {
	ID         string
	Difficulty string
	Givens     Grid
	Solution   Grid
}

// New validates d and builds a Puzzle.
//
// Postcondition: Returns a Puzzle satisfying its invariant, or an error.
func New(d Def) (*Puzzle, error) {
	if d.ID == "" {
		return nil, errors.New("puzzle id must not be empty")
	}
	givens, err := ParseGrid(d.Givens)
	if err != nil {
		return nil, fmt.Errorf("puzzle %s givens: %w", d.ID, err)
	}
	solution, err := ParseGrid(d.Solution)
	if err != nil {
		return nil, fmt.Errorf("puzzle %s solution: %w", d.ID, err)
	}
	if err := validSolution(solution); err != nil {
		return nil, fmt.Errorf("puzzle %s solution: %w", d.ID, err)
	}
	for i, v := range givens {
		if v != 0 && v != solution[i] {
			return nil, fmt.Errorf("puzzle %s: given %d at cell %d contradicts solution %d", d.ID, v, i, solution[i])
		}
	}
	return &Puzzle{ID: d.ID, Difficulty: d.Difficulty, Givens: givens, Solution: solution}, nil
}

// Fixed reports whether cell holds a given.
//
// Precondition: 0 <= cell < Cells.
func (p *Puzzle) Fixed(cell int) bool { return p.Givens[cell] != 0 }

// Correct reports whether value is the solution of cell.
func (p *Puzzle) Correct(cell, value int) bool { return p.Solution[cell] == value }

// Solved reports whether values equals the solution.
func (p *Puzzle) Solved(values Grid) bool { return values == p.Solution }

func validSolution(g Grid) error {
	for i := 0; i < Size; i++ {
		var row, col, blk [Size + 1]bool
		for j := 0; j < Size; j++ {
			r := g[i*Size+j]
			c := g[j*Size+i]
			b := g[(i/box*box+j/box)*Size+(i%box*box+j%box)]
			if r == 0 || c == 0 || b == 0 {
				return errors.New("solution has empty cells")
			}
			if row[r] || col[c] || blk[b] {
				return fmt.Errorf("duplicate digit in unit %d", i)
			}
			row[r], col[c], blk[b] = true, true, true
		}
	}
	return nil
}

// Library holds the loaded puzzles.
type Library struct {
	puzzles []*Puzzle
	byID    map[string]*Puzzle
}

// NewLibrary builds a Library from validated puzzles, ordered by id.
//
// Postcondition: Returns an error on duplicate ids.
func NewLibrary(puzzles ...*Puzzle) (*Library, error) {
	lib := &Library{byID: make(map[string]*Puzzle, len(puzzles))}
	for _, p := range puzzles {
		if _, dup := lib.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate puzzle id %q", p.ID)
		}
		lib.byID[p.ID] = p
		lib.puzzles = append(lib.puzzles, p)
	}
	sort.Slice(lib.puzzles, func(i, j int) bool { return lib.puzzles[i].ID < lib.puzzles[j].ID })
	return lib, nil
}

// LoadDirectory reads every *.yaml file in dir. Each file holds a list of puzzles.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns a non-empty Library, or an error if any puzzle is invalid.
func LoadDirectory(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading puzzle dir %q: %w", dir, err)
	}
	var all []*Puzzle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		var file struct {
			Puzzles []Def `yaml:"puzzles"`
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		for _, d := range file.Puzzles {
			p, err := New(d)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			all = append(all, p)
		}
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no puzzles found in %q", dir)
	}
	return NewLibrary(all...)
}

// Len returns the number of puzzles.
func (l *Library) Len() int { return len(l.puzzles) }

// Get returns the puzzle with the given id.
func (l *Library) Get(id string) (*Puzzle, bool) {
	p, ok := l.byID[id]
	return p, ok
}

// Pick returns a puzzle chosen uniformly by src.
//
// Precondition: The library is non-empty.
func (l *Library) Pick(src dice.Source) *Puzzle {
	return l.puzzles[src.Intn(len(l.puzzles))]
}
