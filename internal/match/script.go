package match

import (
	"time"

	"github.com/cory-johannsen/gridlock/internal/scripting"
)

// ScriptResolver resolves casts with Lua functions named by Ability.Script.
// Abilities without a script, or whose script fails, use the catalog.
type ScriptResolver struct {
	scripts  *scripting.Manager
	fallback Resolver
}

// NewScriptResolver creates a ScriptResolver over loaded scripts.
//
// Precondition: scripts must be non-nil.
func NewScriptResolver(scripts *scripting.Manager) *ScriptResolver {
	return &ScriptResolver{scripts: scripts, fallback: CatalogResolver{}}
}

// Resolve implements Resolver. The script receives a table describing the
// cast and returns {effect, target, duration_ms}; missing fields keep the
// catalog values.
func (r *ScriptResolver) Resolve(a *Ability, cc CastContext) Resolution {
	res := r.fallback.Resolve(a, cc)
	if a.Script == "" {
		return res
	}
	out, ok := r.scripts.CallTable(a.Script, map[string]any{
		"ability":         a.ID,
		"effect":          string(a.Effect),
		"caster":          cc.Caster,
		"target":          cc.Target,
		"caster_progress": cc.CasterProgress,
		"target_progress": cc.TargetProgress,
		"rival_progress":  cc.RivalProgress,
		"target_shielded": cc.TargetShielded,
		"duration_ms":     a.Duration.Milliseconds(),
	})
	if !ok {
		return res
	}
	if kind, ok := out["effect"].(string); ok && EffectKind(kind).Valid() {
		res.Kind = EffectKind(kind)
	}
	if target, ok := out["target"].(float64); ok {
		res.Target = int(target)
	}
	if ms, ok := out["duration_ms"].(float64); ok && ms > 0 {
		res.Duration = time.Duration(ms) * time.Millisecond
	}
	return res
}
