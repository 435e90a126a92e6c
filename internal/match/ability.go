package match

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gridlock/internal/protocol"
)

// EffectKind names what an ability does to its target.
type EffectKind string

// Effect kinds.
const (
	// EffectFreeze rejects the target's moves until it expires.
	EffectFreeze EffectKind = "freeze"
	// EffectShield absorbs the next hostile effect.
	EffectShield EffectKind = "shield"
	// EffectHaste halves the target's global cooldown.
	EffectHaste EffectKind = "haste"
	// EffectBlind is rendered by clients only.
	EffectBlind EffectKind = "blind"
)

// Valid reports whether k is a known effect kind.
func (k EffectKind) Valid() bool {
	switch k {
	case EffectFreeze, EffectShield, EffectHaste, EffectBlind:
		return true
	}
	return false
}

// Hostile reports whether k harms its target and can be absorbed by a shield.
func (k EffectKind) Hostile() bool {
	return k == EffectFreeze || k == EffectBlind
}

// Target selects who receives an ability's effect.
type Target string

// Targets.
const (
	TargetSelf     Target = "self"
	TargetOpponent Target = "opponent"
)

// Ability is one castable powerup.
type Ability struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Action   protocol.Action `yaml:"action"`
	Effect   EffectKind      `yaml:"effect"`
	Target   Target          `yaml:"target"`
	Duration time.Duration   `yaml:"duration"`
	Cooldown time.Duration   `yaml:"cooldown"`
	// Script names the Lua function that may override the effect. Empty means none.
	Script string `yaml:"script"`
}

// School returns the element school the ability's action belongs to.
func (a *Ability) School() protocol.School {
	s, _ := a.Action.School()
	return s
}

// Validate checks a single ability definition.
func (a *Ability) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("ability id must not be empty")
	}
	if !a.Action.IsAbility() {
		return fmt.Errorf("ability %s: action %d is not in the ability family", a.ID, a.Action)
	}
	if !a.Effect.Valid() {
		return fmt.Errorf("ability %s: unknown effect %q", a.ID, a.Effect)
	}
	if a.Target != TargetSelf && a.Target != TargetOpponent {
		return fmt.Errorf("ability %s: target must be self or opponent, got %q", a.ID, a.Target)
	}
	if a.Duration <= 0 {
		return fmt.Errorf("ability %s: duration must be > 0", a.ID)
	}
	if a.Cooldown < 0 {
		return fmt.Errorf("ability %s: cooldown must not be negative", a.ID)
	}
	return nil
}

// Catalog is the set of abilities powerups are drawn from.
type Catalog struct {
	abilities []*Ability
	byID      map[string]*Ability
	byAction  map[protocol.Action]*Ability
}

// NewCatalog validates abilities and indexes them.
//
// Postcondition: Returns an error on an invalid ability or a duplicate id or action.
func NewCatalog(abilities ...*Ability) (*Catalog, error) {
	c := &Catalog{
		byID:     make(map[string]*Ability, len(abilities)),
		byAction: make(map[protocol.Action]*Ability, len(abilities)),
	}
	for _, a := range abilities {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate ability id %q", a.ID)
		}
		if other, dup := c.byAction[a.Action]; dup {
			return nil, fmt.Errorf("abilities %s and %s share action %d", other.ID, a.ID, a.Action)
		}
		c.byID[a.ID] = a
		c.byAction[a.Action] = a
		c.abilities = append(c.abilities, a)
	}
	sort.Slice(c.abilities, func(i, j int) bool { return c.abilities[i].Action < c.abilities[j].Action })
	return c, nil
}

// LoadCatalog reads an ability catalog YAML file.
//
// Precondition: path must name a readable file.
// Postcondition: Returns a validated Catalog or an error.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ability catalog %q: %w", path, err)
	}
	var file struct {
		Abilities []*Ability `yaml:"abilities"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	c, err := NewCatalog(file.Abilities...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Get returns the ability with the given id.
func (c *Catalog) Get(id string) (*Ability, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// ByAction returns the ability cast with action.
func (c *Catalog) ByAction(action protocol.Action) (*Ability, bool) {
	a, ok := c.byAction[action]
	return a, ok
}

// All returns every ability ordered by action.
func (c *Catalog) All() []*Ability {
	return append([]*Ability(nil), c.abilities...)
}

// Len returns the number of abilities.
func (c *Catalog) Len() int { return len(c.abilities) }
