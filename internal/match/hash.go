package match

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

// HashBoards returns the hex blake2b-256 digest of boards in player order.
func HashBoards(boards ...puzzle.Grid) string {
	buf := make([]byte, 0, len(boards)*puzzle.Cells)
	for _, g := range boards {
		for _, v := range g {
			buf = append(buf, byte(v))
		}
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
