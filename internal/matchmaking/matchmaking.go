// Package matchmaking pairs queued sessions into rooms.
//
// An entry waits in the pending queue for a fixed delay, receiving periodic
// QUEUE_UPDATE messages, and is then promoted to the active queue where it is
// paired in join order. Every method runs on the loop.
package matchmaking

import (
	"errors"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/room"
)

// ErrAlreadyQueued is returned by JoinQueue for an identity already queued.
var ErrAlreadyQueued = errors.New("already queued")

// Directory delivers messages to sessions by identity.
type Directory interface {
	Send(id string, action protocol.Action, payload any) error
	OnlineCount() int
}

// RoomCreator opens a registered, unstarted room for players.
type RoomCreator interface {
	Create(players []room.Player) *room.Room
}

type entry struct {
	sessionID string
	name      string
	joined    time.Time
	notifier  *loop.Timer
	promotion *loop.Timer
}

func (e *entry) stop() {
	e.notifier.Stop()
	e.promotion.Stop()
}

// Manager owns the pending and active queues.
type Manager struct {
	cfg    config.MatchmakingConfig
	loop   *loop.Loop
	dir    Directory
	rooms  RoomCreator
	logger *zap.Logger

	pending []*entry
	active  []*entry
}

// NewManager creates a Manager with empty queues.
//
// Precondition: cfg.RoomSize >= 2; l, dir, rooms and logger must be non-nil.
func NewManager(cfg config.MatchmakingConfig, l *loop.Loop, dir Directory, rooms RoomCreator, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		loop:   l,
		dir:    dir,
		rooms:  rooms,
		logger: logger,
	}
}

// JoinQueue enters sessionID into the pending queue under name.
//
// Postcondition: Returns ErrAlreadyQueued, without side effects, when the
// identity is in either queue. Otherwise a QUEUE_UPDATE was sent, the
// notifier is running and promotion is scheduled.
func (m *Manager) JoinQueue(sessionID, name string) error {
	if m.Queued(sessionID) {
		return ErrAlreadyQueued
	}
	e := &entry{sessionID: sessionID, name: name, joined: time.Now()}
	m.notify(e)
	e.notifier = m.loop.Every(m.cfg.NotifyInterval, func() { m.notify(e) })
	e.promotion = m.loop.AfterFunc(m.cfg.PromotionDelay, func() { m.promote(e) })
	m.pending = append(m.pending, e)
	m.logger.Debug("queue joined",
		zap.String("session_id", sessionID),
		zap.Int("pending", len(m.pending)),
	)
	return nil
}

func (m *Manager) notify(e *entry) {
	if err := m.dir.Send(e.sessionID, protocol.ActionQueueUpdate, protocol.QueueUpdate{
		InQueue:     true,
		OnlineCount: m.dir.OnlineCount(),
	}); err != nil {
		m.logger.Debug("queue update", zap.String("session_id", e.sessionID), zap.Error(err))
	}
}

// promote moves e and every entry that joined before it to the active
// queue. Those entries are due as well; their own timers may simply not
// have been delivered yet.
func (m *Manager) promote(e *entry) {
	i := slices.Index(m.pending, e)
	if i < 0 {
		return
	}
	due := m.pending[:i+1]
	m.pending = slices.Clone(m.pending[i+1:])
	for _, d := range due {
		d.stop()
	}
	m.active = append(m.active, due...)
	m.pair()
}

// pair opens a room for every full group at the head of the active queue.
func (m *Manager) pair() {
	size := max(m.cfg.RoomSize, 2)
	for len(m.active) >= size {
		group := m.active[:size]
		m.active = slices.Clone(m.active[size:])

		players := lo.Map(group, func(e *entry, _ int) room.Player {
			return room.Player{SessionID: e.sessionID, Name: e.name}
		})
		infos := lo.Map(players, func(p room.Player, _ int) protocol.PlayerInfo {
			return protocol.PlayerInfo{PlayerID: p.SessionID, Username: p.Name}
		})
		r := m.rooms.Create(players)
		for i, e := range group {
			e.stop()
			if err := m.dir.Send(e.sessionID, protocol.ActionMatchFound, protocol.MatchFound{
				MyID:    i,
				Players: infos,
			}); err != nil {
				m.logger.Debug("match found", zap.String("session_id", e.sessionID), zap.Error(err))
			}
		}
		m.logger.Info("players paired",
			zap.String("room", r.Code()),
			zap.Strings("players", lo.Map(players, func(p room.Player, _ int) string { return p.SessionID })),
			zap.Duration("longest_wait", time.Since(group[0].joined)),
		)
		r.Start()
	}
}

// LeaveQueue removes sessionID from whichever queue holds it and cancels its
// timers.
//
// Postcondition: Returns false when the identity was not queued.
func (m *Manager) LeaveQueue(sessionID string) bool {
	match := func(e *entry) bool { return e.sessionID == sessionID }
	for _, q := range []*[]*entry{&m.pending, &m.active} {
		if i := slices.IndexFunc(*q, match); i >= 0 {
			(*q)[i].stop()
			*q = slices.Delete(*q, i, i+1)
			m.logger.Debug("queue left", zap.String("session_id", sessionID))
			return true
		}
	}
	return false
}

// OnSessionDisconnect removes a departed session from matchmaking.
func (m *Manager) OnSessionDisconnect(sessionID string) {
	m.LeaveQueue(sessionID)
}

// Queued reports whether sessionID is in either queue.
func (m *Manager) Queued(sessionID string) bool {
	match := func(e *entry) bool { return e.sessionID == sessionID }
	return slices.ContainsFunc(m.pending, match) || slices.ContainsFunc(m.active, match)
}

// Pending returns the pending identities in join order.
func (m *Manager) Pending() []string { return ids(m.pending) }

// Active returns the active identities in join order.
func (m *Manager) Active() []string { return ids(m.active) }

// Len returns the number of queued identities.
func (m *Manager) Len() int { return len(m.pending) + len(m.active) }

func ids(q []*entry) []string {
	return lo.Map(q, func(e *entry, _ int) string { return e.sessionID })
}

// Close cancels every entry's timers and empties both queues.
func (m *Manager) Close() {
	for _, e := range m.pending {
		e.stop()
	}
	for _, e := range m.active {
		e.stop()
	}
	m.pending = nil
	m.active = nil
}
