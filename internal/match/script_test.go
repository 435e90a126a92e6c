package match_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/scripting"
)

func shippedScripts(t *testing.T) *match.ScriptResolver {
	t.Helper()
	mgr := scripting.NewManager(dice.NewSeededSource(3), zaptest.NewLogger(t))
	require.NoError(t, mgr.Load(filepath.Join("..", "..", "content", "scripts", "abilities"), 0))
	t.Cleanup(mgr.Close)
	return match.NewScriptResolver(mgr)
}

func TestScriptResolver_ShippedScripts(t *testing.T) {
	r := shippedScripts(t)
	cat, err := match.LoadCatalog(filepath.Join("..", "..", "content", "abilities.yaml"))
	require.NoError(t, err)

	ember, _ := cat.Get("ember")
	even := r.Resolve(ember, match.CastContext{Caster: 0, Target: 1})
	assert.Equal(t, match.EffectFreeze, even.Kind)
	assert.Equal(t, 1, even.Target)
	assert.Equal(t, ember.Duration, even.Duration)

	ahead := r.Resolve(ember, match.CastContext{Caster: 0, Target: 1, TargetProgress: 5})
	assert.Equal(t, ember.Duration+time.Second, ahead.Duration)

	frost, _ := cat.Get("frost")
	got := r.Resolve(frost, match.CastContext{Caster: 1, Target: 0, TargetProgress: 25})
	assert.Equal(t, frost.Duration+500*time.Millisecond, got.Duration)

	tailwind, _ := cat.Get("tailwind")
	trailing := r.Resolve(tailwind, match.CastContext{Caster: 1, Target: 1, CasterProgress: 2, RivalProgress: 9})
	assert.Equal(t, match.EffectHaste, trailing.Kind)
	assert.Equal(t, 1, trailing.Target)
	assert.Equal(t, tailwind.Duration+2*time.Second, trailing.Duration)
}

func TestScriptResolver_FallsBackToCatalog(t *testing.T) {
	r := shippedScripts(t)
	plain := &match.Ability{ID: "smoke", Action: protocol.ActionCastSmoke, Effect: match.EffectBlind, Target: match.TargetOpponent, Duration: 5 * time.Second}
	got := r.Resolve(plain, match.CastContext{Caster: 0, Target: 1})
	assert.Equal(t, match.Resolution{Kind: match.EffectBlind, Target: 1, Duration: 5 * time.Second}, got)

	missing := *plain
	missing.Script = "no_such_function"
	assert.Equal(t, got, r.Resolve(&missing, match.CastContext{Caster: 0, Target: 1}))
}

func TestController_UsesScriptResolver(t *testing.T) {
	clk := newClock()
	c := newController(t, defaultRules, clk)
	c.SetResolver(shippedScripts(t))
	frost := &match.Ability{ID: "frost", Action: protocol.ActionCastFrost, Effect: match.EffectFreeze, Target: match.TargetOpponent, Duration: 4 * time.Second, Script: "frost"}

	e := c.ResolveEffect(frost, 0, 1, clk.ms())
	assert.Equal(t, match.EffectFreeze, e.Kind)
	assert.Equal(t, clk.ms()+4000, e.ExpiresAt)
}
