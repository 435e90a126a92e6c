package stats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/stats"
	"github.com/cory-johannsen/gridlock/internal/storage"
)

type failingStore struct {
	storage.Store
}

func (failingStore) ZAdd(context.Context, string, float64, string) error {
	return errors.New("store down")
}

func runLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(zaptest.NewLogger(t))
	go func() { _ = l.Run() }()
	t.Cleanup(l.Stop)
	return l
}

func gauges(online, rooms, queued int) stats.Gauges {
	return func() stats.Snapshot {
		return stats.Snapshot{Online: online, Rooms: rooms, Queued: queued}
	}
}

func TestSample_WritesSnapshot(t *testing.T) {
	l := runLoop(t)
	store := storage.NewMemory()
	rec := stats.NewRecorder(store, l, time.Hour, gauges(3, 1, 2), zaptest.NewLogger(t))

	before := time.Now()
	l.Do(rec.Sample)
	rec.Flush()

	got, err := stats.Snapshots(context.Background(), store, before.Add(-time.Second), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Online)
	assert.Equal(t, 1, got[0].Rooms)
	assert.Equal(t, 2, got[0].Queued)
	assert.GreaterOrEqual(t, got[0].At, before.UnixMilli())
}

func TestStart_SamplesPeriodically(t *testing.T) {
	l := runLoop(t)
	store := storage.NewMemory()
	rec := stats.NewRecorder(store, l, 10*time.Millisecond, gauges(1, 0, 0), zaptest.NewLogger(t))
	l.Do(rec.Start)
	t.Cleanup(func() { l.Do(rec.Close) })

	assert.Eventually(t, func() bool {
		got, err := stats.Snapshots(context.Background(), store, time.Now().Add(-time.Minute), time.Now())
		return err == nil && len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecordMatch(t *testing.T) {
	l := runLoop(t)
	store := storage.NewMemory()
	rec := stats.NewRecorder(store, l, time.Hour, gauges(0, 0, 0), zaptest.NewLogger(t))
	ended := time.Now().UnixMilli()
	want := stats.MatchRecord{Room: "ABCDE", Puzzle: "classic", Players: []string{"a", "b"}, Winner: 1, Reason: "completed", EndedAt: ended}

	l.Do(func() { rec.RecordMatch(want) })
	rec.Flush()

	got, err := stats.Matches(context.Background(), store, time.UnixMilli(ended), time.UnixMilli(ended))
	require.NoError(t, err)
	assert.Equal(t, []stats.MatchRecord{want}, got)
}

func TestStoreFailureIsLoggedOnly(t *testing.T) {
	l := runLoop(t)
	core, logs := observer.New(zap.WarnLevel)
	rec := stats.NewRecorder(failingStore{}, l, time.Hour, gauges(0, 0, 0), zap.New(core))

	l.Do(rec.Sample)
	l.Do(func() { rec.RecordMatch(stats.MatchRecord{Room: "X"}) })
	rec.Flush()

	entries := logs.FilterMessage("recording stats").All()
	require.Len(t, entries, 2)
	keys := []string{entries[0].ContextMap()["key"].(string), entries[1].ContextMap()["key"].(string)}
	assert.ElementsMatch(t, []string{stats.SnapshotsKey, stats.MatchesKey}, keys)
}

func TestSnapshots_MalformedMember(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.ZAdd(context.Background(), stats.SnapshotsKey, 5, "not json"))
	_, err := stats.Snapshots(context.Background(), store, time.UnixMilli(0), time.UnixMilli(10))
	assert.Error(t, err)
}
