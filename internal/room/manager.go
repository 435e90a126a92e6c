package room

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

// CodeLength is the length of generated room codes.
const CodeLength = 5

// Options configures the rooms a Manager creates.
type Options struct {
	Rules      match.Rules
	DrawWindow time.Duration
	// Resolver overrides the catalog resolver when non-nil.
	Resolver match.Resolver
}

// Manager creates rooms and owns every live one. All methods run on the loop.
type Manager struct {
	loop    *loop.Loop
	dir     Directory
	puzzles *puzzle.Library
	catalog *match.Catalog
	opts    Options
	src     dice.Source
	now     func() time.Time
	logger  *zap.Logger

	rooms     map[string]*Room
	listeners []func(r *Room, res match.Result)
}

// NewManager creates a Manager with no rooms.
//
// Precondition: l, dir, puzzles, src and logger must be non-nil; catalog may be nil.
func NewManager(l *loop.Loop, dir Directory, puzzles *puzzle.Library, catalog *match.Catalog, opts Options, src dice.Source, logger *zap.Logger) *Manager {
	return &Manager{
		loop:    l,
		dir:     dir,
		puzzles: puzzles,
		catalog: catalog,
		opts:    opts,
		src:     src,
		now:     time.Now,
		logger:  logger,
		rooms:   make(map[string]*Room),
	}
}

// OnEnd registers fn to run after any room ends with a result.
func (m *Manager) OnEnd(fn func(r *Room, res match.Result)) {
	m.listeners = append(m.listeners, fn)
}

// Create opens a room for players on a randomly chosen puzzle. The room is
// registered but not started.
//
// Precondition: len(players) >= 2.
// Postcondition: Every player's session is bound to the returned room.
func (m *Manager) Create(players []Player) *Room {
	code := m.newCode()
	p := m.puzzles.Pick(m.src)
	ctrl := match.NewController(p, len(players), m.opts.Rules, m.catalog, m.src, m.now)
	if m.opts.Resolver != nil {
		ctrl.SetResolver(m.opts.Resolver)
	}
	r := New(code, ctrl, m.loop, m.dir, m.opts.DrawWindow, m.logger)
	r.OnEnd(m.ended)
	r.AddParticipants(players...)
	m.rooms[code] = r
	m.logger.Info("room created",
		zap.String("room", code),
		zap.String("puzzle", p.ID),
		zap.Int("players", len(players)),
	)
	return r
}

func (m *Manager) newCode() string {
	for {
		code := dice.Code(m.src, CodeLength)
		if _, taken := m.rooms[code]; !taken {
			return code
		}
	}
}

func (m *Manager) ended(r *Room, res match.Result) {
	delete(m.rooms, r.code)
	for _, fn := range m.listeners {
		fn(r, res)
	}
}

// Get returns the live room with the given code.
func (m *Manager) Get(code string) (*Room, bool) {
	r, ok := m.rooms[code]
	return r, ok
}

// Count returns the number of live rooms.
func (m *Manager) Count() int { return len(m.rooms) }

// SessionLeftRoom ends the match of a destroyed participant.
func (m *Manager) SessionLeftRoom(id, code string) {
	if r, ok := m.rooms[code]; ok {
		r.Leave(id)
	}
}

// Close tears down every room without announcing a result.
//
// Postcondition: Count() is 0.
func (m *Manager) Close() {
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		m.rooms[code].Close()
	}
	m.rooms = make(map[string]*Room)
}
