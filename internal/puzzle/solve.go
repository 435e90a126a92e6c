package puzzle

import "math/bits"

// Solve completes g by backtracking, trying the most constrained cell first.
//
// Postcondition: Returns a full valid grid agreeing with every non-zero cell
// of g, or false if none exists. Of several solutions the first in digit
// order is returned.
func Solve(g Grid) (Grid, bool) {
	var s solver
	for i, v := range g {
		if v == 0 {
			continue
		}
		if v < 0 || v > Size || !s.free(i, v) {
			return Grid{}, false
		}
		s.set(i, v)
	}
	s.grid = g
	if !s.search() {
		return Grid{}, false
	}
	return s.grid, true
}

// solver tracks used digits per unit as bit masks (bit d set = d used).
type solver struct {
	grid              Grid
	rows, cols, boxes [Size]uint16
}

func boxOf(i int) int { return (i/Size)/box*box + (i%Size)/box }

func (s *solver) used(i int) uint16 {
	return s.rows[i/Size] | s.cols[i%Size] | s.boxes[boxOf(i)]
}

func (s *solver) free(i, v int) bool { return s.used(i)&(1<<v) == 0 }

func (s *solver) set(i, v int) {
	bit := uint16(1) << v
	s.rows[i/Size] |= bit
	s.cols[i%Size] |= bit
	s.boxes[boxOf(i)] |= bit
}

func (s *solver) unset(i, v int) {
	bit := ^(uint16(1) << v)
	s.rows[i/Size] &= bit
	s.cols[i%Size] &= bit
	s.boxes[boxOf(i)] &= bit
}

func (s *solver) search() bool {
	best, bestCount := -1, Size+1
	var bestFree uint16
	for i, v := range s.grid {
		if v != 0 {
			continue
		}
		free := ^s.used(i) & 0x3FE
		if n := bits.OnesCount16(free); n < bestCount {
			best, bestCount, bestFree = i, n, free
			if n == 0 {
				return false
			}
		}
	}
	if best < 0 {
		return true
	}
	for v := 1; v <= Size; v++ {
		if bestFree&(1<<v) == 0 {
			continue
		}
		s.grid[best] = v
		s.set(best, v)
		if s.search() {
			return true
		}
		s.unset(best, v)
	}
	s.grid[best] = 0
	return false
}
