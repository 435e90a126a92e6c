// Package bot implements a headless player that drives the client
// reconciliation model against a live server. It is transport agnostic: the
// caller feeds it inbound packets and ticks, and sends whatever it returns.
package bot

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/client"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/puzzle"
)

// ErrUnsolvable is returned when MATCH_START carries givens with no solution.
var ErrUnsolvable = errors.New("givens have no solution")

// Out is one message the bot wants sent.
type Out struct {
	Action  protocol.Action
	Payload any
}

// Config parameterizes a Bot.
type Config struct {
	Name    string
	Version string
	// Token resumes an earlier identity; empty asks for a guest.
	Token     string
	Cooldowns client.Cooldowns
	// Matches is how many matches to play before Done; 0 means one.
	Matches int
	// UseAbilities casts granted powerups at the first opponent.
	UseAbilities bool
}

// Bot plays matches by filling its board with the solved grid.
type Bot struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	clock  *client.ClockSync

	playerID string
	token    string
	myID     int
	players  int
	match    *client.Match
	solution puzzle.Grid
	played   int
	results  []protocol.MatchEnd
	pending  []protocol.PowerupGranted
	rejected int
}

// New creates a Bot.
//
// Precondition: logger must be non-nil.
func New(cfg Config, logger *zap.Logger) *Bot {
	if cfg.Matches <= 0 {
		cfg.Matches = 1
	}
	return &Bot{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		clock:  client.NewClockSync(client.DefaultClockWindow),
		token:  cfg.Token,
	}
}

// PlayerID returns the identity assigned on AUTH_RESULT.
func (b *Bot) PlayerID() string { return b.playerID }

// Token returns the resume token, which is set once a guest was issued.
func (b *Bot) Token() string { return b.token }

// Results returns the MATCH_END of every finished match in order.
func (b *Bot) Results() []protocol.MatchEnd { return append([]protocol.MatchEnd(nil), b.results...) }

// Rejected returns how many of the bot's actions the server rejected.
func (b *Bot) Rejected() int { return b.rejected }

// Done reports whether the configured number of matches finished.
func (b *Bot) Done() bool { return b.played >= b.cfg.Matches }

// InMatch reports whether a match is being played.
func (b *Bot) InMatch() bool { return b.match != nil }

// Hello returns the opening AUTH.
func (b *Bot) Hello() []Out {
	return []Out{{protocol.ActionAuth, protocol.Auth{Token: b.token, Version: b.cfg.Version}}}
}

func (b *Bot) millis() int64 { return b.now().UnixMilli() }

// Handle consumes one inbound packet.
//
// Postcondition: Returns the messages to send in order, or an error for a
// packet the bot cannot make sense of.
func (b *Bot) Handle(p protocol.Packet) ([]Out, error) {
	switch p.Action {
	case protocol.ActionAuthResult:
		var r protocol.AuthResult
		if err := p.Decode(&r); err != nil {
			return nil, err
		}
		b.playerID = r.PlayerID
		if r.Token != "" {
			b.token = r.Token
		}
		b.logger.Info("authenticated", zap.String("player_id", r.PlayerID), zap.String("username", r.Username))
		return b.join(), nil

	case protocol.ActionPing:
		var ping protocol.Ping
		if err := p.Decode(&ping); err != nil {
			return nil, err
		}
		now := b.millis()
		b.clock.Observe(ping.ServerTime, now)
		return []Out{{protocol.ActionPong, protocol.Pong{ServerTime: ping.ServerTime, ClientTime: now}}}, nil

	case protocol.ActionQueueUpdate:
		return nil, nil

	case protocol.ActionMatchFound:
		var f protocol.MatchFound
		if err := p.Decode(&f); err != nil {
			return nil, err
		}
		b.myID, b.players = f.MyID, len(f.Players)
		return nil, nil

	case protocol.ActionMatchStart:
		var s protocol.MatchStart
		if err := p.Decode(&s); err != nil {
			return nil, err
		}
		if err := b.begin(s); err != nil {
			return nil, err
		}
		return b.Tick(), nil

	case protocol.ActionMatchState:
		var st protocol.MatchState
		if err := p.Decode(&st); err != nil {
			return nil, err
		}
		if b.match == nil {
			b.myID, b.players = st.MyID, len(st.Boards)
			if err := b.begin(protocol.MatchStart{RoomCode: st.RoomCode, Givens: st.Givens, ServerTime: st.ServerTime}); err != nil {
				return nil, err
			}
		}
		if err := b.match.ApplyState(st, b.millis()); err != nil {
			return nil, err
		}
		return b.Tick(), nil

	case protocol.ActionMoveConfirm:
		var c protocol.MoveConfirm
		if err := p.Decode(&c); err != nil {
			return nil, err
		}
		if b.match != nil {
			b.match.HandleConfirm(c, b.millis())
		}
		return b.Tick(), nil

	case protocol.ActionReject:
		var r protocol.Reject
		if err := p.Decode(&r); err != nil {
			return nil, err
		}
		if b.match == nil {
			return nil, nil
		}
		b.rejected++
		b.match.HandleReject(r)
		if b.match.Desynced() {
			b.logger.Info("desync detected, requesting state")
			return []Out{{protocol.ActionMatchSync, struct{}{}}}, nil
		}
		return b.Tick(), nil

	case protocol.ActionPowerupGranted:
		var g protocol.PowerupGranted
		if err := p.Decode(&g); err != nil {
			return nil, err
		}
		if b.cfg.UseAbilities {
			b.pending = append(b.pending, g)
		}
		return b.Tick(), nil

	case protocol.ActionAbilityUsed:
		var u protocol.AbilityUsed
		if err := p.Decode(&u); err != nil {
			return nil, err
		}
		if b.match != nil {
			b.match.HandleAbilityUsed(u)
		}
		return nil, nil

	case protocol.ActionEffectExpired:
		return b.Tick(), nil

	case protocol.ActionMatchEnd:
		var e protocol.MatchEnd
		if err := p.Decode(&e); err != nil {
			return nil, err
		}
		b.results = append(b.results, e)
		b.played++
		b.match = nil
		b.pending = nil
		b.logger.Info("match ended",
			zap.Int("winner", e.Winner),
			zap.String("reason", e.Reason),
			zap.Bool("won", e.Winner == b.myID),
		)
		if b.Done() {
			return nil, nil
		}
		return b.join(), nil
	}
	return nil, fmt.Errorf("unexpected %s", p.Action)
}

func (b *Bot) join() []Out {
	return []Out{{protocol.ActionQueueJoin, protocol.QueueJoin{Name: b.cfg.Name}}}
}

func (b *Bot) begin(s protocol.MatchStart) error {
	givens, err := puzzle.ParseGrid(s.Givens)
	if err != nil {
		return fmt.Errorf("parsing givens: %w", err)
	}
	solution, ok := puzzle.Solve(givens)
	if !ok {
		return ErrUnsolvable
	}
	m, err := client.NewMatch(s, b.myID, max(b.players, 1), b.cfg.Cooldowns, b.clock)
	if err != nil {
		return err
	}
	b.match, b.solution = m, solution
	b.logger.Info("match started", zap.String("room", s.RoomCode), zap.Int("my_id", b.myID))
	return nil
}

// Tick returns the next actions the bot can take now: any held powerups,
// then one move if the board is ready. Call it periodically while in a match.
func (b *Bot) Tick() []Out {
	if b.match == nil {
		return nil
	}
	now := b.millis()
	var out []Out
	for _, g := range b.pending {
		out = append(out, Out{protocol.Action(g.Action), protocol.AbilityUse{
			ActionID:   b.match.NextActionID(),
			PupID:      g.PupID,
			ClientTime: now,
			Target:     (b.myID + 1) % max(b.players, 1),
		}})
	}
	b.pending = nil

	board, err := b.match.Board(b.myID)
	if err != nil || !board.Ready(now) {
		return out
	}
	for i := range puzzle.Cells {
		c := board.Cell(i)
		if c.Fixed || c.Value != 0 {
			continue
		}
		if _, pending := c.Pending(); pending {
			continue
		}
		mv, err := b.match.Submit(i, b.solution[i], now)
		if err != nil {
			b.logger.Debug("move not staged", zap.Int("cell", i), zap.Error(err))
			continue
		}
		return append(out, Out{protocol.ActionMove, mv})
	}
	return out
}
