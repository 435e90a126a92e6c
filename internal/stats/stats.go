// Package stats records periodic server snapshots and match results in the
// store's sorted sets. Store failures degrade to a log line.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/storage"
)

// Sorted set keys.
const (
	SnapshotsKey = "stats:snapshots"
	MatchesKey   = "matches"
)

const writeTimeout = 5 * time.Second

// Snapshot is one sample of server load.
type Snapshot struct {
	At     int64 `json:"at"`
	Online int   `json:"online"`
	Rooms  int   `json:"rooms"`
	Queued int   `json:"queued"`
}

// MatchRecord is the persisted outcome of one match.
type MatchRecord struct {
	Room    string   `json:"room"`
	Puzzle  string   `json:"puzzle"`
	Players []string `json:"players"`
	Winner  int      `json:"winner"`
	Reason  string   `json:"reason"`
	EndedAt int64    `json:"endedAt"`
}

// Gauges samples the current load. It is called on the loop.
type Gauges func() Snapshot

// Recorder writes snapshots and match records off the loop.
type Recorder struct {
	store    storage.Store
	loop     *loop.Loop
	interval time.Duration
	gauges   Gauges
	logger   *zap.Logger
	now      func() time.Time

	timer *loop.Timer
	wg    sync.WaitGroup
}

// NewRecorder creates a Recorder.
//
// Precondition: store, l, gauges and logger must be non-nil; interval > 0.
func NewRecorder(store storage.Store, l *loop.Loop, interval time.Duration, gauges Gauges, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:    store,
		loop:     l,
		interval: interval,
		gauges:   gauges,
		logger:   logger,
		now:      time.Now,
	}
}

// Start arms the snapshot timer. Call on the loop.
func (r *Recorder) Start() {
	r.timer = r.loop.Every(r.interval, r.Sample)
}

// Sample takes one snapshot and writes it in the background. Call on the loop.
func (r *Recorder) Sample() {
	s := r.gauges()
	s.At = r.now().UnixMilli()
	r.write(SnapshotsKey, float64(s.At), s)
}

// RecordMatch persists a finished match in the background. Call on the loop.
func (r *Recorder) RecordMatch(rec MatchRecord) {
	r.write(MatchesKey, float64(rec.EndedAt), rec)
}

func (r *Recorder) write(key string, score float64, v any) {
	member, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("encoding stats record", zap.String("key", key), zap.Error(err))
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := r.store.ZAdd(ctx, key, score, string(member)); err != nil {
			r.logger.Warn("recording stats", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Flush waits for in-flight writes. Never call it on the loop.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

// Close stops the snapshot timer. Call on the loop.
func (r *Recorder) Close() {
	r.timer.Stop()
}

// Snapshots returns the snapshots taken in [from, to], oldest first.
//
// Postcondition: Returns an error if the store fails or holds a malformed member.
func Snapshots(ctx context.Context, store storage.Store, from, to time.Time) ([]Snapshot, error) {
	members, err := store.ZRangeByScore(ctx, SnapshotsKey, float64(from.UnixMilli()), float64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}
	return decodeAll[Snapshot](members)
}

// Matches returns the match records that ended in [from, to], oldest first.
func Matches(ctx context.Context, store storage.Store, from, to time.Time) ([]MatchRecord, error) {
	members, err := store.ZRangeByScore(ctx, MatchesKey, float64(from.UnixMilli()), float64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("reading matches: %w", err)
	}
	return decodeAll[MatchRecord](members)
}

func decodeAll[T any](members []string) ([]T, error) {
	out := make([]T, 0, len(members))
	for _, m := range members {
		var v T
		if err := json.Unmarshal([]byte(m), &v); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", m, err)
		}
		out = append(out, v)
	}
	return out, nil
}
