package stats

import (
	"context"
	"time"

	"github.com/cory-johannsen/gridlock/internal/storage"
)

// Summary aggregates what was recorded over a time window.
type Summary struct {
	From, To time.Time
	Matches  int
	// ByReason counts matches per end reason.
	ByReason map[string]int
	// Players counts distinct player ids across the window's matches.
	Players   int
	Snapshots int
	Peak      Snapshot
	// Latest is the newest snapshot, or nil when none was taken.
	Latest *Snapshot
}

// Report reads the snapshots and match records in [from, to] and summarizes
// them.
//
// Precondition: from must not be after to.
// Postcondition: Returns an error if either sorted set cannot be read.
func Report(ctx context.Context, store storage.Store, from, to time.Time) (Summary, error) {
	snaps, err := Snapshots(ctx, store, from, to)
	if err != nil {
		return Summary{}, err
	}
	matches, err := Matches(ctx, store, from, to)
	if err != nil {
		return Summary{}, err
	}
	return summarize(from, to, snaps, matches), nil
}

func summarize(from, to time.Time, snaps []Snapshot, matches []MatchRecord) Summary {
	s := Summary{From: from, To: to, Matches: len(matches), ByReason: map[string]int{}, Snapshots: len(snaps)}
	players := map[string]struct{}{}
	for _, m := range matches {
		s.ByReason[m.Reason]++
		for _, p := range m.Players {
			players[p] = struct{}{}
		}
	}
	s.Players = len(players)
	for i, snap := range snaps {
		s.Peak.Online = max(s.Peak.Online, snap.Online)
		s.Peak.Rooms = max(s.Peak.Rooms, snap.Rooms)
		s.Peak.Queued = max(s.Peak.Queued, snap.Queued)
		if i == len(snaps)-1 {
			latest := snap
			s.Latest = &latest
		}
	}
	return s
}
