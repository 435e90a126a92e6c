package gameserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gridlock/internal/auth"
	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/gameserver"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/stats"
	"github.com/cory-johannsen/gridlock/internal/storage"
	"github.com/cory-johannsen/gridlock/internal/testutil"
)

const version = "1.0.0"

const wait = 2 * time.Second

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Mode: config.ModeDevelopment, Version: version, Subprotocol: "gridlock.v1"},
		Session: config.SessionConfig{
			AuthTimeout:   5 * time.Second,
			QueueCapacity: 20,
			SweepInterval: time.Hour,
			SoftIdle:      time.Hour,
			HardIdle:      2 * time.Hour,
			PingInterval:  time.Hour,
		},
		Matchmaking: config.MatchmakingConfig{
			PromotionDelay: 10 * time.Millisecond,
			NotifyInterval: time.Hour,
			RoomSize:       2,
		},
		Match: config.MatchConfig{
			DrawWindow:      time.Second,
			PowerupEvery:    1,
			PowerupLifetime: time.Minute,
		},
		Auth:  config.AuthConfig{Secret: "0123456789abcdef0123", Issuer: "gridlock", GuestTTL: time.Hour},
		Stats: config.StatsConfig{SnapshotInterval: time.Hour},
	}
}

type env struct {
	loop    *loop.Loop
	srv     *gameserver.Server
	store   *storage.Memory
	authn   *auth.Service
	catalog *match.Catalog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	l := loop.New(logger)
	go func() { _ = l.Run() }()
	t.Cleanup(l.Stop)

	catalog, err := match.NewCatalog(
		&match.Ability{ID: "frost", Action: protocol.ActionCastFrost, Effect: match.EffectFreeze, Target: match.TargetOpponent, Duration: time.Second},
		&match.Ability{ID: "stoneskin", Action: protocol.ActionCastStoneskin, Effect: match.EffectShield, Target: match.TargetSelf, Duration: time.Second},
	)
	require.NoError(t, err)

	store := storage.NewMemory()
	cfg := testConfig()
	authn := auth.NewService(cfg.Auth, store, logger)
	srv := gameserver.New(gameserver.Deps{
		Config:  cfg,
		Loop:    l,
		Auth:    authn,
		Store:   store,
		Puzzles: testutil.ClassicLibrary(),
		Catalog: catalog,
		Source:  dice.NewSeededSource(11),
		Logger:  logger,
	})
	l.Do(srv.Start)
	t.Cleanup(func() { l.Do(srv.Close) })
	return &env{loop: l, srv: srv, store: store, authn: authn, catalog: catalog}
}

func (e *env) connect(t *testing.T, addr string) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn(addr)
	e.loop.Do(func() { e.srv.Sessions().CreateSession(conn) })
	return conn
}

func (e *env) send(t *testing.T, conn *testutil.FakeConn, action protocol.Action, payload any) {
	t.Helper()
	e.loop.Do(func() { conn.DeliverPayload(t, action, payload) })
}

func waitFor(t *testing.T, conn *testutil.FakeConn, action protocol.Action) protocol.Packet {
	t.Helper()
	var p protocol.Packet
	require.Eventually(t, func() bool {
		var ok bool
		p, ok = conn.Last(action)
		return ok
	}, wait, 2*time.Millisecond, "waiting for %s", action)
	return p
}

func decode[T any](t *testing.T, p protocol.Packet) T {
	t.Helper()
	var v T
	require.NoError(t, p.Decode(&v))
	return v
}

// login authenticates conn as a fresh guest and returns the result.
func (e *env) login(t *testing.T, conn *testutil.FakeConn) protocol.AuthResult {
	t.Helper()
	e.send(t, conn, protocol.ActionAuth, protocol.Auth{Version: version})
	res := decode[protocol.AuthResult](t, waitFor(t, conn, protocol.ActionAuthResult))
	require.Eventually(t, func() bool {
		var ok bool
		e.loop.Do(func() {
			s, found := e.srv.Sessions().Get(res.PlayerID)
			ok = found && s.Authenticated()
		})
		return ok
	}, wait, 2*time.Millisecond)
	return res
}

type pairing struct {
	conns [2]*testutil.FakeConn
	ids   [2]string
	code  string
}

// pair logs two guests in and matches them.
func (e *env) pair(t *testing.T) pairing {
	t.Helper()
	var p pairing
	for i, addr := range []string{"a", "b"} {
		p.conns[i] = e.connect(t, addr)
		p.ids[i] = e.login(t, p.conns[i]).PlayerID
		e.send(t, p.conns[i], protocol.ActionQueueJoin, protocol.QueueJoin{Name: addr})
		waitFor(t, p.conns[i], protocol.ActionQueueUpdate)
	}
	for i, conn := range p.conns {
		found := decode[protocol.MatchFound](t, waitFor(t, conn, protocol.ActionMatchFound))
		assert.Equal(t, i, found.MyID)
		start := decode[protocol.MatchStart](t, waitFor(t, conn, protocol.ActionMatchStart))
		p.code = start.RoomCode
	}
	return p
}

func TestAuth_GuestAndVersionMismatch(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, "a")
	res := e.login(t, conn)
	assert.NotEmpty(t, res.Token)

	bad := e.connect(t, "b")
	e.send(t, bad, protocol.ActionAuth, protocol.Auth{Version: "0.0.1"})
	code, closed := bad.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseAuthFailed, code)
}

func TestAuth_SecondAuthIsProtocolViolation(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, "a")
	e.login(t, conn)
	e.send(t, conn, protocol.ActionAuth, protocol.Auth{Version: version})
	code, closed := conn.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseInvalidPacket, code)
}

func TestLogout(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, "a")
	res := e.login(t, conn)
	e.send(t, conn, protocol.ActionLogout, struct{}{})
	code, closed := conn.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseNormal, code)
	e.loop.Do(func() {
		_, ok := e.srv.Sessions().Get(res.PlayerID)
		assert.False(t, ok)
	})
}

func TestQueueLeave(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, "a")
	res := e.login(t, conn)
	e.loop.Do(func() {
		require.NoError(t, e.srv.Queue().JoinQueue(res.PlayerID, "a"))
	})
	e.send(t, conn, protocol.ActionQueueLeave, struct{}{})
	u := decode[protocol.QueueUpdate](t, waitFor(t, conn, protocol.ActionQueueUpdate))
	assert.False(t, u.InQueue)
	assert.Equal(t, 1, u.OnlineCount)
	e.loop.Do(func() { assert.Equal(t, 0, e.srv.Queue().Len()) })
}

func TestMatchFlow_MoveConfirmAndViolation(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t)
	cell := testutil.EmptyCells()[0]

	e.send(t, p.conns[0], protocol.ActionMove, protocol.Move{ActionID: 1, CellIndex: cell, Value: testutil.SolutionAt(cell)})
	for _, conn := range p.conns {
		confirm := decode[protocol.MoveConfirm](t, waitFor(t, conn, protocol.ActionMoveConfirm))
		assert.Equal(t, 0, confirm.PlayerID)
		assert.Equal(t, cell, confirm.CellIndex)
	}
	grant := decode[protocol.PowerupGranted](t, waitFor(t, p.conns[0], protocol.ActionPowerupGranted))
	_, granted := p.conns[1].Last(protocol.ActionPowerupGranted)
	assert.False(t, granted, "powerups are private")

	e.send(t, p.conns[0], protocol.ActionMove, protocol.Move{ActionID: 2, CellIndex: cell, Value: 1})
	rej := decode[protocol.Reject](t, waitFor(t, p.conns[0], protocol.ActionReject))
	assert.Equal(t, int64(2), rej.ActionID)
	assert.Len(t, rej.GameStateHash, 64)

	ab, ok := e.catalog.Get(grant.Ability)
	require.True(t, ok)
	target := 1
	if ab.Target == match.TargetSelf {
		target = 0
	}
	e.send(t, p.conns[0], protocol.Action(grant.Action), protocol.AbilityUse{ActionID: 3, PupID: grant.PupID, Target: target})
	used := decode[protocol.AbilityUsed](t, waitFor(t, p.conns[1], protocol.ActionAbilityUsed))
	assert.Equal(t, grant.Ability, used.Ability)

	e.send(t, p.conns[1], protocol.ActionMove, protocol.Move{ActionID: 1, CellIndex: 0, Value: 1})
	code, closed := p.conns[1].CloseCode()
	assert.True(t, closed, "writing a fixed cell is a protocol violation")
	assert.Equal(t, protocol.CloseInvalidPacket, code)
}

func TestMatchFlow_AbilityOutsideCatalogDisconnects(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t)
	e.send(t, p.conns[0], protocol.ActionCastEmber, protocol.AbilityUse{ActionID: 1, PupID: 1, Target: 1})
	code, closed := p.conns[0].CloseCode()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseInvalidPacket, code)
}

func TestMatchFlow_SyncAndForfeitRecordsResult(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t)

	e.send(t, p.conns[1], protocol.ActionMatchSync, struct{}{})
	st := decode[protocol.MatchState](t, waitFor(t, p.conns[1], protocol.ActionMatchState))
	assert.Equal(t, 1, st.MyID)
	assert.Equal(t, p.code, st.RoomCode)

	before := time.Now()
	e.send(t, p.conns[1], protocol.ActionForfeit, struct{}{})
	end := decode[protocol.MatchEnd](t, waitFor(t, p.conns[0], protocol.ActionMatchEnd))
	assert.Equal(t, protocol.MatchEnd{Winner: 0, Reason: match.ReasonForfeit}, end)
	e.loop.Do(func() { assert.Equal(t, 0, e.srv.Rooms().Count()) })

	e.srv.Stats().Flush()
	recs, err := stats.Matches(context.Background(), e.store, before.Add(-time.Second), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{p.ids[0], p.ids[1]}, recs[0].Players)
	assert.Equal(t, "classic", recs[0].Puzzle)

	e.send(t, p.conns[0], protocol.ActionMove, protocol.Move{ActionID: 9, CellIndex: testutil.EmptyCells()[0], Value: 1})
	rej := decode[protocol.Reject](t, waitFor(t, p.conns[0], protocol.ActionReject))
	assert.Equal(t, int64(9), rej.ActionID)
	assert.Empty(t, rej.GameStateHash)
	_, closed := p.conns[0].CloseCode()
	assert.False(t, closed, "a move racing the match end is benign")
}

func TestResumeSendsMatchState(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t)

	token, err := e.authn.Sign(p.ids[0])
	require.NoError(t, err)
	again := e.connect(t, "a2")
	e.send(t, again, protocol.ActionAuth, protocol.Auth{Token: token, Version: version})
	st := decode[protocol.MatchState](t, waitFor(t, again, protocol.ActionMatchState))
	assert.Equal(t, 0, st.MyID)
	assert.Equal(t, p.code, st.RoomCode)

	code, closed := p.conns[0].CloseCode()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseReplaced, code)
}

func TestDestroyedPlayerAbandonsMatch(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t)
	e.send(t, p.conns[0], protocol.ActionLogout, struct{}{})
	end := decode[protocol.MatchEnd](t, waitFor(t, p.conns[1], protocol.ActionMatchEnd))
	assert.Equal(t, protocol.MatchEnd{Winner: 1, Reason: match.ReasonAbandoned}, end)
}

func TestDisconnectLeavesQueue(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, "a")
	e.login(t, conn)
	e.send(t, conn, protocol.ActionQueueJoin, protocol.QueueJoin{})
	e.loop.Do(func() { conn.DropFromRemote(protocol.CloseNormal) })
	e.loop.Do(func() { assert.Equal(t, 0, e.srv.Queue().Len()) })
}

func TestStatsGauges(t *testing.T) {
	e := newEnv(t)
	e.pair(t)
	before := time.Now()
	e.loop.Do(e.srv.Stats().Sample)
	e.srv.Stats().Flush()
	snaps, err := stats.Snapshots(context.Background(), e.store, before.Add(-time.Second), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].Online)
	assert.Equal(t, 1, snaps[0].Rooms)
	assert.Equal(t, 0, snaps[0].Queued)
}
