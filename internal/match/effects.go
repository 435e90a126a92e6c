package match

import "time"

// Effect is an active ability effect on a player.
type Effect struct {
	Kind      EffectKind
	Ability   string
	Source    int
	Target    int
	ExpiresAt int64
}

// CastContext describes a cast to a Resolver.
type CastContext struct {
	Caster         int
	Target         int
	CasterProgress int
	TargetProgress int
	// RivalProgress is the best progress among the caster's opponents.
	RivalProgress  int
	TargetShielded bool
}

// Resolution is what a cast does.
type Resolution struct {
	Kind     EffectKind
	Target   int
	Duration time.Duration
}

// Resolver decides the effect of a cast.
type Resolver interface {
	Resolve(a *Ability, cc CastContext) Resolution
}

// CatalogResolver applies the catalog definition unchanged.
type CatalogResolver struct{}

// Resolve implements Resolver.
func (CatalogResolver) Resolve(a *Ability, cc CastContext) Resolution {
	return Resolution{Kind: a.Effect, Target: cc.Target, Duration: a.Duration}
}

// CastTarget returns the player an ability lands on. Self abilities always
// target the caster; opponent abilities need a requested target other than
// the caster.
func (c *Controller) CastTarget(a *Ability, caster, requested int) (int, bool) {
	if a.Target == TargetSelf {
		return caster, true
	}
	if !c.validPlayer(requested) || requested == caster {
		return 0, false
	}
	return requested, true
}

// ResolveEffect asks the resolver what a cast by caster on target does.
//
// Postcondition: The returned Effect has a valid kind, a valid target and an
// expiry after serverTime.
func (c *Controller) ResolveEffect(a *Ability, caster, target int, serverTime int64) Effect {
	cc := CastContext{
		Caster:         caster,
		Target:         target,
		CasterProgress: c.boards[caster].correctPlaced,
		TargetProgress: c.boards[target].correctPlaced,
		TargetShielded: serverTime < c.boards[target].shieldUntil,
	}
	for i, b := range c.boards {
		if i != caster {
			cc.RivalProgress = max(cc.RivalProgress, b.correctPlaced)
		}
	}
	r := c.resolver.Resolve(a, cc)
	if !r.Kind.Valid() {
		r.Kind = a.Effect
	}
	if !c.validPlayer(r.Target) {
		r.Target = target
	}
	if r.Duration <= 0 {
		r.Duration = a.Duration
	}
	return Effect{
		Kind:      r.Kind,
		Ability:   a.ID,
		Source:    caster,
		Target:    r.Target,
		ExpiresAt: serverTime + r.Duration.Milliseconds(),
	}
}

// ApplyEffect puts e on its target. A hostile effect aimed at another player
// whose shield is up consumes the shield instead.
//
// Postcondition: Returns false when the effect was blocked.
func (c *Controller) ApplyEffect(e Effect) bool {
	b := c.boards[e.Target]
	now := c.Now()
	if e.Kind.Hostile() && e.Source != e.Target && now < b.shieldUntil {
		b.shieldUntil = 0
		for id, p := range b.pending {
			if p.Kind == EffectShield {
				delete(b.pending, id)
			}
		}
		return false
	}
	switch e.Kind {
	case EffectFreeze:
		b.frozenUntil = max(b.frozenUntil, e.ExpiresAt)
	case EffectShield:
		b.shieldUntil = max(b.shieldUntil, e.ExpiresAt)
	case EffectHaste:
		b.hasteUntil = max(b.hasteUntil, e.ExpiresAt)
	case EffectBlind:
		b.blindUntil = max(b.blindUntil, e.ExpiresAt)
	}
	c.SetPendingEffect(e.Target, e.Ability, e)
	return true
}

// SetPendingEffect records e as awaiting expiry on player, replacing any
// earlier effect of the same ability.
func (c *Controller) SetPendingEffect(player int, abilityID string, e Effect) {
	c.boards[player].pending[abilityID] = e
}

// PendingEffect returns the effect of abilityID awaiting expiry on player.
func (c *Controller) PendingEffect(player int, abilityID string) (Effect, bool) {
	if !c.validPlayer(player) {
		return Effect{}, false
	}
	e, ok := c.boards[player].pending[abilityID]
	return e, ok
}

// ExpireEffect ends the pending effect of abilityID on player if it is the
// one that expires at expiresAt. A later recast or an absorbed shield makes
// the call a no-op.
//
// Postcondition: Returns the expired effect and true, or false if nothing expired.
func (c *Controller) ExpireEffect(player int, abilityID string, expiresAt int64) (Effect, bool) {
	if !c.validPlayer(player) {
		return Effect{}, false
	}
	b := c.boards[player]
	e, ok := b.pending[abilityID]
	if !ok || e.ExpiresAt != expiresAt {
		return Effect{}, false
	}
	delete(b.pending, abilityID)
	reset := func(until *int64) {
		if *until <= e.ExpiresAt {
			*until = 0
		}
	}
	switch e.Kind {
	case EffectFreeze:
		reset(&b.frozenUntil)
	case EffectShield:
		reset(&b.shieldUntil)
	case EffectHaste:
		reset(&b.hasteUntil)
	case EffectBlind:
		reset(&b.blindUntil)
	}
	return e, true
}
