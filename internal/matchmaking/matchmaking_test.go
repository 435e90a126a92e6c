package matchmaking_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/matchmaking"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/room"
	"github.com/cory-johannsen/gridlock/internal/testutil"
)

// directory records deliveries per identity.
type directory struct {
	mu   sync.Mutex
	sent map[string][]protocol.Packet
}

func (d *directory) Send(id string, action protocol.Action, payload any) error {
	p, err := protocol.NewPacket(action, payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[id] = append(d.sent[id], p)
	return nil
}

func (d *directory) OnlineCount() int { return 42 }

func (d *directory) BindRoom(string, string)   {}
func (d *directory) UnbindRoom(string, string) {}

func (d *directory) received(id string, action protocol.Action) []protocol.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []protocol.Packet
	for _, p := range d.sent[id] {
		if p.Action == action {
			out = append(out, p)
		}
	}
	return out
}

type env struct {
	loop  *loop.Loop
	dir   *directory
	rooms *room.Manager
	mm    *matchmaking.Manager
}

func newEnv(t *testing.T, cfg config.MatchmakingConfig) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	l := loop.New(logger)
	go func() { _ = l.Run() }()
	t.Cleanup(l.Stop)

	dir := &directory{sent: make(map[string][]protocol.Packet)}
	rooms := room.NewManager(l, dir, testutil.ClassicLibrary(), nil, room.Options{DrawWindow: time.Second}, dice.NewSeededSource(3), logger)
	mm := matchmaking.NewManager(cfg, l, dir, rooms, logger)
	t.Cleanup(func() { l.Do(mm.Close) })
	return &env{loop: l, dir: dir, rooms: rooms, mm: mm}
}

func fastConfig() config.MatchmakingConfig {
	return config.MatchmakingConfig{
		PromotionDelay: 40 * time.Millisecond,
		NotifyInterval: time.Hour,
		RoomSize:       2,
	}
}

func (e *env) join(t *testing.T, id string) {
	t.Helper()
	e.loop.Do(func() { require.NoError(t, e.mm.JoinQueue(id, "name-"+id)) })
}

func (e *env) roomCount() int {
	var n int
	e.loop.Do(func() { n = e.rooms.Count() })
	return n
}

func TestJoinQueue_SendsImmediateUpdate(t *testing.T) {
	e := newEnv(t, fastConfig())
	e.join(t, "a")
	got := e.dir.received("a", protocol.ActionQueueUpdate)
	require.Len(t, got, 1)
	var u protocol.QueueUpdate
	require.NoError(t, got[0].Decode(&u))
	assert.Equal(t, protocol.QueueUpdate{InQueue: true, OnlineCount: 42}, u)
}

func TestJoinQueue_RefusesDuplicatesAcrossQueues(t *testing.T) {
	e := newEnv(t, fastConfig())
	e.join(t, "a")
	e.loop.Do(func() {
		assert.ErrorIs(t, e.mm.JoinQueue("a", "again"), matchmaking.ErrAlreadyQueued)
	})
	require.Eventually(t, func() bool {
		var active []string
		e.loop.Do(func() { active = e.mm.Active() })
		return len(active) == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.loop.Do(func() {
		assert.ErrorIs(t, e.mm.JoinQueue("a", "again"), matchmaking.ErrAlreadyQueued)
		assert.Equal(t, 1, e.mm.Len())
	})
	assert.Len(t, e.dir.received("a", protocol.ActionQueueUpdate), 1)
}

func TestNotifier_RepeatsWhilePending(t *testing.T) {
	cfg := fastConfig()
	cfg.PromotionDelay = time.Hour
	cfg.NotifyInterval = 10 * time.Millisecond
	e := newEnv(t, cfg)
	e.join(t, "a")
	assert.Eventually(t, func() bool {
		return len(e.dir.received("a", protocol.ActionQueueUpdate)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPromotion_StopsNotifier(t *testing.T) {
	cfg := fastConfig()
	cfg.PromotionDelay = 30 * time.Millisecond
	cfg.NotifyInterval = 20 * time.Millisecond
	e := newEnv(t, cfg)
	e.join(t, "a")
	require.Eventually(t, func() bool {
		var active []string
		e.loop.Do(func() { active = e.mm.Active() })
		return len(active) == 1
	}, 2*time.Second, 5*time.Millisecond)
	n := len(e.dir.received("a", protocol.ActionQueueUpdate))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, len(e.dir.received("a", protocol.ActionQueueUpdate)))
}

// A waits alone in the active queue; B's promotion pairs them immediately
// with A as player 0.
func TestPairing_JoinOrderExample(t *testing.T) {
	e := newEnv(t, fastConfig())
	e.join(t, "A")
	time.Sleep(80 * time.Millisecond)
	e.loop.Do(func() {
		assert.Equal(t, []string{"A"}, e.mm.Active())
		assert.Equal(t, 0, e.rooms.Count())
	})

	e.join(t, "B")
	require.Eventually(t, func() bool { return e.roomCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	e.loop.Do(func() { assert.Equal(t, 0, e.mm.Len()) })

	want := []protocol.PlayerInfo{{PlayerID: "A", Username: "name-A"}, {PlayerID: "B", Username: "name-B"}}
	for i, id := range []string{"A", "B"} {
		got := e.dir.received(id, protocol.ActionMatchFound)
		require.Len(t, got, 1)
		var found protocol.MatchFound
		require.NoError(t, got[0].Decode(&found))
		assert.Equal(t, i, found.MyID)
		assert.Equal(t, want, found.Players)
		assert.Len(t, e.dir.received(id, protocol.ActionMatchStart), 1)
	}
}

func TestLeaveQueue_IsIdempotentAndCancelsPromotion(t *testing.T) {
	e := newEnv(t, fastConfig())
	e.join(t, "a")
	e.loop.Do(func() {
		assert.True(t, e.mm.LeaveQueue("a"))
		assert.False(t, e.mm.LeaveQueue("a"))
		e.mm.OnSessionDisconnect("a")
	})
	e.join(t, "b")
	time.Sleep(100 * time.Millisecond)
	e.loop.Do(func() {
		assert.Equal(t, []string{"b"}, e.mm.Active())
		assert.Empty(t, e.mm.Pending())
	})
	assert.Equal(t, 0, e.roomCount())
}

func TestClose_ClearsQueues(t *testing.T) {
	e := newEnv(t, fastConfig())
	e.join(t, "a")
	e.join(t, "b")
	e.loop.Do(func() {
		e.mm.Close()
		assert.Equal(t, 0, e.mm.Len())
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, e.roomCount())
}

// Property: every joined identity that is not removed is either still
// queued or paired exactly once, pairs follow join order and at most one
// identity waits unpaired.
func TestPropertyPairingFIFO(t *testing.T) {
	cfg := fastConfig()
	cfg.PromotionDelay = time.Millisecond
	e := newEnv(t, cfg)
	var round int
	rapid.Check(t, func(rt *rapid.T) {
		round++
		n := rapid.IntRange(0, 9).Draw(rt, "n")
		leave := rapid.IntRange(-1, n-1).Draw(rt, "leave")
		var ids []string
		for i := 0; i < n; i++ {
			ids = append(ids, fmt.Sprintf("r%d-%d", round, i))
		}
		e.loop.Do(func() {
			e.mm.Close()
			for _, id := range ids {
				if err := e.mm.JoinQueue(id, id); err != nil {
					rt.Fatalf("join %s: %v", id, err)
				}
			}
			if leave >= 0 {
				e.mm.LeaveQueue(ids[leave])
			}
		})
		var kept []string
		for i, id := range ids {
			if i != leave {
				kept = append(kept, id)
			}
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			var pending int
			e.loop.Do(func() { pending = len(e.mm.Pending()) })
			if pending == 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		for i, id := range kept {
			got := e.dir.received(id, protocol.ActionMatchFound)
			paired := i < len(kept)-len(kept)%2
			if paired != (len(got) == 1) {
				rt.Fatalf("%s: paired=%v, got %d match found", id, paired, len(got))
			}
			if !paired {
				continue
			}
			var found protocol.MatchFound
			if err := got[0].Decode(&found); err != nil {
				rt.Fatal(err)
			}
			if found.MyID != i%2 || found.Players[i%2].PlayerID != id {
				rt.Fatalf("%s: myID %d players %v", id, found.MyID, found.Players)
			}
		}
		if leave >= 0 && len(e.dir.received(ids[leave], protocol.ActionMatchFound)) != 0 {
			rt.Fatalf("%s left but was paired", ids[leave])
		}
	})
}
