package match_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/protocol"
)

// earnPowerup places correct values until player holds a slot.
func earnPowerup(t *testing.T, c *match.Controller, clk *clock, player int, nextID *int64) *match.Slot {
	t.Helper()
	for _, cell := range emptyCells() {
		if c.Values(player)[cell] != 0 {
			continue
		}
		*nextID++
		clk.advance(5 * time.Second)
		res := c.ApplyMove(player, move(*nextID, cell, solutionAt(cell)))
		require.Equal(t, match.Accepted, res.Verdict, res.Reason)
		if res.Granted != nil {
			return res.Granted
		}
	}
	t.Fatal("no powerup granted")
	return nil
}

func powerupRules() match.Rules {
	r := defaultRules
	r.PowerupEvery = 2
	return r
}

func TestPowerup_GrantedEveryNCorrect(t *testing.T) {
	clk := newClock()
	c := newController(t, powerupRules(), clk)
	cells := emptyCells()

	clk.advance(5 * time.Second)
	first := c.ApplyMove(0, move(1, cells[0], solutionAt(cells[0])))
	assert.Nil(t, first.Granted)

	clk.advance(5 * time.Second)
	wrong := c.ApplyMove(0, move(2, cells[1], wrongAt(cells[1])))
	assert.Nil(t, wrong.Granted, "wrong values earn nothing")

	clk.advance(5 * time.Second)
	second := c.ApplyMove(0, move(3, cells[2], solutionAt(cells[2])))
	require.NotNil(t, second.Granted)
	assert.Equal(t, 1, second.Granted.PupID)
	assert.Equal(t, second.ServerTime+time.Minute.Milliseconds(), second.Granted.ExpiresAt)
	assert.Len(t, c.Slots(0), 1)
	assert.Empty(t, c.Slots(1))
}

func TestPowerup_ReplacingACellEarnsOnce(t *testing.T) {
	clk := newClock()
	rules := powerupRules()
	rules.PowerupEvery = 1
	c := newController(t, rules, clk)
	cell := emptyCells()[0]

	clk.advance(5 * time.Second)
	require.NotNil(t, c.ApplyMove(0, move(1, cell, solutionAt(cell))).Granted)
	clk.advance(5 * time.Second)
	require.Equal(t, match.Accepted, c.ApplyMove(0, move(2, cell, 0)).Verdict)
	clk.advance(5 * time.Second)
	again := c.ApplyMove(0, move(3, cell, solutionAt(cell)))
	require.Equal(t, match.Accepted, again.Verdict)
	assert.Nil(t, again.Granted)
}

func TestConsumeAbility(t *testing.T) {
	clk := newClock()
	c := newController(t, powerupRules(), clk)
	var id int64
	slot := earnPowerup(t, c, clk, 0, &id)

	id++
	wrongAction := protocol.ActionCastEmber
	if slot.Ability.Action == wrongAction {
		wrongAction = protocol.ActionCastSmoke
	}
	assert.Equal(t, match.Invalid, c.ConsumeAbility(wrongAction, 0, id, slot.PupID).Verdict)
	assert.Equal(t, match.Rejected, c.ConsumeAbility(slot.Ability.Action, 0, id, slot.PupID+1).Verdict)

	id++
	cast := c.ConsumeAbility(slot.Ability.Action, 0, id, slot.PupID)
	require.Equal(t, match.Accepted, cast.Verdict, cast.Reason)
	assert.Same(t, slot.Ability, cast.Ability)
	assert.Empty(t, c.Slots(0))

	id++
	again := c.ConsumeAbility(slot.Ability.Action, 0, id, slot.PupID)
	assert.Equal(t, match.Rejected, again.Verdict, "a slot is spent once")
	assert.Equal(t, match.Invalid, c.ConsumeAbility(slot.Ability.Action, 0, id, slot.PupID).Verdict, "stale id")
}

func TestConsumeAbility_Expired(t *testing.T) {
	clk := newClock()
	c := newController(t, powerupRules(), clk)
	var id int64
	slot := earnPowerup(t, c, clk, 0, &id)

	clk.advance(time.Minute)
	id++
	res := c.ConsumeAbility(slot.Ability.Action, 0, id, slot.PupID)
	assert.Equal(t, match.Rejected, res.Verdict)
	assert.Equal(t, "powerup expired", res.Reason)
	assert.Empty(t, c.Slots(0))
}

func TestConsumeAbility_Cooldown(t *testing.T) {
	clk := newClock()
	rules := powerupRules()
	rules.PowerupEvery = 1
	cat, err := match.NewCatalog(&match.Ability{
		ID: "frost", Action: protocol.ActionCastFrost, Effect: match.EffectFreeze,
		Target: match.TargetOpponent, Duration: time.Second, Cooldown: time.Minute,
	})
	require.NoError(t, err)
	c := match.NewController(testPuzzle(t), 2, rules, cat, dice.NewSeededSource(1), clk.now)
	var id int64
	a := earnPowerup(t, c, clk, 0, &id)
	b := earnPowerup(t, c, clk, 0, &id)

	id++
	require.Equal(t, match.Accepted, c.ConsumeAbility(protocol.ActionCastFrost, 0, id, a.PupID).Verdict)
	id++
	res := c.ConsumeAbility(protocol.ActionCastFrost, 0, id, b.PupID)
	assert.Equal(t, match.Rejected, res.Verdict)
	assert.Equal(t, "ability cooldown", res.Reason)
}

func TestEffects_FreezeRejectsMoves(t *testing.T) {
	clk := newClock()
	c := newController(t, defaultRules, clk)
	frost, _ := testCatalog(t).Get("frost")

	target, ok := c.CastTarget(frost, 0, 1)
	require.True(t, ok)
	e := c.ResolveEffect(frost, 0, target, clk.ms())
	assert.Equal(t, match.EffectFreeze, e.Kind)
	assert.Equal(t, clk.ms()+4000, e.ExpiresAt)
	require.True(t, c.ApplyEffect(e))

	res := c.ApplyMove(1, move(1, emptyCells()[0], 1))
	assert.Equal(t, match.Rejected, res.Verdict)
	assert.Equal(t, "frozen", res.Reason)

	expired, ok := c.ExpireEffect(1, "frost", e.ExpiresAt)
	require.True(t, ok)
	assert.Equal(t, e, expired)
	assert.Equal(t, match.Accepted, c.ApplyMove(1, move(2, emptyCells()[0], 1)).Verdict)
}

func TestEffects_CastTarget(t *testing.T) {
	c := newController(t, defaultRules, newClock())
	cat := testCatalog(t)
	frost, _ := cat.Get("frost")
	shield, _ := cat.Get("stoneskin")

	_, ok := c.CastTarget(frost, 0, 0)
	assert.False(t, ok, "opponent abilities cannot target the caster")
	_, ok = c.CastTarget(frost, 0, 5)
	assert.False(t, ok)
	got, ok := c.CastTarget(shield, 1, 0)
	require.True(t, ok)
	assert.Equal(t, 1, got, "self abilities land on the caster")
}

func TestEffects_ShieldAbsorbsHostileEffect(t *testing.T) {
	clk := newClock()
	c := newController(t, defaultRules, clk)
	cat := testCatalog(t)
	frost, _ := cat.Get("frost")
	stoneskin, _ := cat.Get("stoneskin")

	shield := c.ResolveEffect(stoneskin, 1, 1, clk.ms())
	require.True(t, c.ApplyEffect(shield))
	assert.True(t, c.Snapshot(1)[1].ShieldActive)

	freeze := c.ResolveEffect(frost, 0, 1, clk.ms())
	assert.False(t, c.ApplyEffect(freeze), "blocked by the shield")
	assert.False(t, c.Snapshot(1)[1].ShieldActive, "the shield is spent")
	_, pending := c.PendingEffect(1, "stoneskin")
	assert.False(t, pending)
	_, ok := c.ExpireEffect(1, "stoneskin", shield.ExpiresAt)
	assert.False(t, ok, "a spent shield has nothing left to expire")

	assert.Equal(t, match.Accepted, c.ApplyMove(1, move(1, emptyCells()[0], 1)).Verdict)
	assert.True(t, c.ApplyEffect(c.ResolveEffect(frost, 0, 1, clk.ms())), "the next freeze lands")
}

func TestEffects_HasteHalvesGlobalCooldown(t *testing.T) {
	clk := newClock()
	c := newController(t, defaultRules, clk)
	tailwind, _ := testCatalog(t).Get("tailwind")
	require.True(t, c.ApplyEffect(c.ResolveEffect(tailwind, 0, 0, clk.ms())))

	cells := emptyCells()
	res := c.ApplyMove(0, move(1, cells[0], 1))
	require.Equal(t, match.Accepted, res.Verdict)
	clk.advance(500 * time.Millisecond)
	assert.Equal(t, match.Accepted, c.ApplyMove(0, move(2, cells[1], 1)).Verdict)
}

func TestEffects_RecastOutlivesEarlierExpiry(t *testing.T) {
	clk := newClock()
	c := newController(t, defaultRules, clk)
	frost, _ := testCatalog(t).Get("frost")

	first := c.ResolveEffect(frost, 0, 1, clk.ms())
	require.True(t, c.ApplyEffect(first))
	clk.advance(2 * time.Second)
	second := c.ResolveEffect(frost, 0, 1, clk.ms())
	require.True(t, c.ApplyEffect(second))

	_, ok := c.ExpireEffect(1, "frost", first.ExpiresAt)
	assert.False(t, ok, "the first timer no longer owns the effect")
	clk.advance(2 * time.Second)
	assert.Equal(t, "frozen", c.ApplyMove(1, move(1, emptyCells()[0], 1)).Reason)
}

type fixedResolver struct{ r match.Resolution }

func (f fixedResolver) Resolve(*match.Ability, match.CastContext) match.Resolution { return f.r }

func TestResolveEffect_ResolverOverrides(t *testing.T) {
	clk := newClock()
	c := newController(t, defaultRules, clk)
	frost, _ := testCatalog(t).Get("frost")

	c.SetResolver(fixedResolver{r: match.Resolution{Kind: match.EffectBlind, Target: 1, Duration: time.Second}})
	e := c.ResolveEffect(frost, 0, 1, clk.ms())
	assert.Equal(t, match.EffectBlind, e.Kind)
	assert.Equal(t, clk.ms()+1000, e.ExpiresAt)

	c.SetResolver(fixedResolver{r: match.Resolution{Kind: "bogus", Target: 9}})
	e = c.ResolveEffect(frost, 0, 1, clk.ms())
	assert.Equal(t, match.EffectFreeze, e.Kind, "invalid kinds fall back to the catalog")
	assert.Equal(t, 1, e.Target)
	assert.Equal(t, clk.ms()+4000, e.ExpiresAt)
}

func TestCatalog_Validation(t *testing.T) {
	valid := func() *match.Ability {
		return &match.Ability{ID: "a", Action: protocol.ActionCastEmber, Effect: match.EffectFreeze, Target: match.TargetOpponent, Duration: time.Second}
	}
	_, err := match.NewCatalog(valid())
	require.NoError(t, err)

	mutations := map[string]func(a *match.Ability){
		"empty id":       func(a *match.Ability) { a.ID = "" },
		"non ability":    func(a *match.Ability) { a.Action = protocol.ActionMove },
		"unknown effect": func(a *match.Ability) { a.Effect = "teleport" },
		"bad target":     func(a *match.Ability) { a.Target = "everyone" },
		"no duration":    func(a *match.Ability) { a.Duration = 0 },
		"neg cooldown":   func(a *match.Ability) { a.Cooldown = -time.Second },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			a := valid()
			mutate(a)
			_, err := match.NewCatalog(a)
			assert.Error(t, err)
		})
	}

	b := valid()
	b.ID = "b"
	_, err = match.NewCatalog(valid(), b)
	assert.Error(t, err, "shared action")
}

func TestLoadCatalog(t *testing.T) {
	cat, err := match.LoadCatalog(filepath.Join("..", "..", "content", "abilities.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 6, cat.Len())
	frost, ok := cat.ByAction(protocol.ActionCastFrost)
	require.True(t, ok)
	assert.Equal(t, "frost", frost.ID)
	assert.Equal(t, protocol.SchoolWater, frost.School())
	assert.Equal(t, 4*time.Second, frost.Duration)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("abilities:\n  - id: x\n    colour: red\n"), 0o644))
	_, err = match.LoadCatalog(bad)
	assert.Error(t, err)
}
