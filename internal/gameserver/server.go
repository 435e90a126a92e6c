// Package gameserver assembles the game: the session registry, the dispatch
// tree, matchmaking, rooms and stats, wired together on one event loop.
package gameserver

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/dispatch"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/matchmaking"
	"github.com/cory-johannsen/gridlock/internal/puzzle"
	"github.com/cory-johannsen/gridlock/internal/room"
	"github.com/cory-johannsen/gridlock/internal/session"
	"github.com/cory-johannsen/gridlock/internal/stats"
	"github.com/cory-johannsen/gridlock/internal/storage"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Config  config.Config
	Loop    *loop.Loop
	Auth    session.Authenticator
	Store   storage.Store
	Puzzles *puzzle.Library
	Catalog *match.Catalog
	// Resolver overrides the catalog effect resolver when non-nil.
	Resolver match.Resolver
	Source   dice.Source
	Logger   *zap.Logger
}

// Server owns every game component. It implements session.Observer.
type Server struct {
	loop     *loop.Loop
	sessions *session.Manager
	rooms    *room.Manager
	queue    *matchmaking.Manager
	stats    *stats.Recorder
	logger   *zap.Logger
}

// New wires a Server. Nothing runs until Start.
//
// Precondition: every Deps field except Resolver must be set.
func New(d Deps) *Server {
	s := &Server{loop: d.Loop, logger: d.Logger}

	sessionHandler := NewSessionHandler(d.Logger.Named("session"))
	lobbyHandler := NewLobbyHandler(s.queueFacade(), s.onlineCount, d.Logger.Named("lobby"))
	matchHandler := NewMatchHandler(s.roomsFacade(), d.Catalog, d.Logger.Named("match"))
	tree := Tree(sessionHandler, lobbyHandler, matchHandler)

	s.sessions = session.NewManager(d.Config.Session, d.Config.Server.Version, d.Loop, tree, d.Auth, d.Logger.Named("session"))
	s.rooms = room.NewManager(d.Loop, s.sessions, d.Puzzles, d.Catalog, room.Options{
		Rules:      match.RulesFromConfig(d.Config.Match),
		DrawWindow: d.Config.Match.DrawWindow,
		Resolver:   d.Resolver,
	}, d.Source, d.Logger.Named("room"))
	s.queue = matchmaking.NewManager(d.Config.Matchmaking, d.Loop, s.sessions, s.rooms, d.Logger.Named("matchmaking"))
	s.stats = stats.NewRecorder(d.Store, d.Loop, d.Config.Stats.SnapshotInterval, s.gauges, d.Logger.Named("stats"))

	s.sessions.AddObserver(s)
	s.rooms.OnEnd(s.matchEnded)
	return s
}

// Tree builds the root dispatch tree. Match packets from a session without
// a live room are answered by the match handler's stale path.
func Tree(sh *SessionHandler, lh *LobbyHandler, mh *MatchHandler) dispatch.Handler[*session.Session] {
	return dispatch.NewRouter(
		dispatch.Route[*session.Session]{Match: dispatch.Session, Next: sh.Leaf()},
		dispatch.Route[*session.Session]{Match: dispatch.Lobby, Next: lh.Leaf()},
		dispatch.Route[*session.Session]{Match: dispatch.Match, Next: dispatch.AdaptOr(
			mh.Context,
			mh.Tree(),
			dispatch.Handler[*session.Session](dispatch.HandlerFunc[*session.Session](mh.Stale)),
		)},
	)
}

// The handlers are built before the managers they call exist.
type queueFacade struct{ s *Server }

func (f queueFacade) JoinQueue(id, name string) error { return f.s.queue.JoinQueue(id, name) }
func (f queueFacade) LeaveQueue(id string) bool       { return f.s.queue.LeaveQueue(id) }

func (s *Server) queueFacade() Queue { return queueFacade{s} }

type roomsFacade struct{ s *Server }

func (f roomsFacade) Get(code string) (*room.Room, bool) { return f.s.rooms.Get(code) }

func (s *Server) roomsFacade() Rooms { return roomsFacade{s} }

func (s *Server) onlineCount() int { return s.sessions.OnlineCount() }

// Sessions returns the session registry, which accepts new connections.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Rooms returns the room registry.
func (s *Server) Rooms() *room.Manager { return s.rooms }

// Queue returns the matchmaking manager.
func (s *Server) Queue() *matchmaking.Manager { return s.queue }

// Stats returns the stats recorder.
func (s *Server) Stats() *stats.Recorder { return s.stats }

// Start arms the periodic work. Call on the loop.
func (s *Server) Start() {
	s.sessions.Start()
	s.stats.Start()
	s.logger.Info("game server started")
}

// Close tears everything down without announcing results. Call on the loop.
func (s *Server) Close() {
	s.stats.Close()
	s.queue.Close()
	s.rooms.Close()
	s.sessions.Close()
	s.logger.Info("game server closed")
}

func (s *Server) gauges() stats.Snapshot {
	return stats.Snapshot{
		Online: s.sessions.OnlineCount(),
		Rooms:  s.rooms.Count(),
		Queued: s.queue.Len(),
	}
}

func (s *Server) matchEnded(r *room.Room, res match.Result) {
	players := r.Players()
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.SessionID
	}
	s.stats.RecordMatch(stats.MatchRecord{
		Room:    r.Code(),
		Puzzle:  r.Controller().Puzzle().ID,
		Players: ids,
		Winner:  res.Winner,
		Reason:  res.Reason,
		EndedAt: res.EndedAt,
	})
}

// SessionDeparted implements session.Observer.
func (s *Server) SessionDeparted(id string) {
	s.queue.OnSessionDisconnect(id)
}

// SessionLeftRoom implements session.Observer.
func (s *Server) SessionLeftRoom(id, code string) {
	s.rooms.SessionLeftRoom(id, code)
}

// SessionResumed implements session.Observer. A player back in a live match
// gets the full state.
func (s *Server) SessionResumed(sess *session.Session) {
	r, ok := s.rooms.Get(sess.RoomCode())
	if !ok {
		return
	}
	if i, ok := r.PlayerIndex(sess.ID()); ok {
		r.Sync(i)
	}
}
