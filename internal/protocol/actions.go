// Package protocol defines the application messages exchanged over the
// websocket, their binary encoding, and the close codes used to end a
// connection.
package protocol

import "fmt"

// Action identifies an application message. Actions are grouped into
// families by numeric range so dispatch routers can match whole families.
type Action int

// Session family.
const (
	ActionAuth       Action = 1
	ActionAuthResult Action = 2
	ActionPing       Action = 3
	ActionPong       Action = 4
	ActionLogout     Action = 5
)

// Lobby family.
const (
	ActionQueueJoin   Action = 20
	ActionQueueLeave  Action = 21
	ActionQueueUpdate Action = 22
	ActionMatchFound  Action = 23
)

// Match lifecycle family.
const (
	ActionMatchStart Action = 40
	ActionMatchSync  Action = 41
	ActionMatchState Action = 42
	ActionForfeit    Action = 43
	ActionMatchEnd   Action = 44
)

// Player action family.
const (
	ActionMove           Action = 60
	ActionMoveConfirm    Action = 61
	ActionReject         Action = 62
	ActionPowerupGranted Action = 63
	ActionAbilityUsed    Action = 64
	ActionEffectExpired  Action = 65
)

// Ability family. Each element school owns a block of twenty actions and
// every ability is cast with its own action.
const (
	ActionCastEmber     Action = 100 // fire
	ActionCastSmoke     Action = 101 // fire
	ActionCastFrost     Action = 120 // water
	ActionCastTide      Action = 121 // water
	ActionCastStoneskin Action = 140 // earth
	ActionCastTailwind  Action = 160 // air
)

// Family bounds, inclusive.
const (
	sessionFirst   Action = 1
	sessionLast    Action = 19
	lobbyFirst     Action = 20
	lobbyLast      Action = 39
	lifecycleFirst Action = 40
	lifecycleLast  Action = 59
	playerFirst    Action = 60
	playerLast     Action = 79
	abilityFirst   Action = 100
	abilityLast    Action = 179
	schoolSpan     Action = 20
)

// School is an ability element school.
type School int

// Element schools in action-block order.
const (
	SchoolFire School = iota
	SchoolWater
	SchoolEarth
	SchoolAir
)

var schoolNames = [...]string{"fire", "water", "earth", "air"}

// String returns the school name.
func (s School) String() string {
	if s < 0 || int(s) >= len(schoolNames) {
		return fmt.Sprintf("school(%d)", int(s))
	}
	return schoolNames[s]
}

// ParseSchool returns the School with the given name.
//
// Postcondition: Returns (school, true) if name is a known school.
func ParseSchool(name string) (School, bool) {
	for i, n := range schoolNames {
		if n == name {
			return School(i), true
		}
	}
	return 0, false
}

// Schools returns every school in block order.
func Schools() []School {
	return []School{SchoolFire, SchoolWater, SchoolEarth, SchoolAir}
}

// IsSession reports whether a is in the session family.
func (a Action) IsSession() bool { return a >= sessionFirst && a <= sessionLast }

// IsLobby reports whether a is in the lobby family.
func (a Action) IsLobby() bool { return a >= lobbyFirst && a <= lobbyLast }

// IsLifecycle reports whether a is in the match lifecycle family.
func (a Action) IsLifecycle() bool { return a >= lifecycleFirst && a <= lifecycleLast }

// IsPlayer reports whether a is in the player action family.
func (a Action) IsPlayer() bool { return a >= playerFirst && a <= playerLast }

// IsAbility reports whether a is in the ability family.
func (a Action) IsAbility() bool { return a >= abilityFirst && a <= abilityLast }

// IsMatch reports whether a must be routed to the sender's room.
func (a Action) IsMatch() bool { return a.IsLifecycle() || a.IsPlayer() || a.IsAbility() }

// School returns the element school of an ability action.
//
// Postcondition: Returns (school, true) only for ability actions.
func (a Action) School() (School, bool) {
	if !a.IsAbility() {
		return 0, false
	}
	return School((a - abilityFirst) / schoolSpan), true
}

var actionNames = map[Action]string{
	ActionAuth:           "AUTH",
	ActionAuthResult:     "AUTH_RESULT",
	ActionPing:           "PING",
	ActionPong:           "PONG",
	ActionLogout:         "LOGOUT",
	ActionQueueJoin:      "QUEUE_JOIN",
	ActionQueueLeave:     "QUEUE_LEAVE",
	ActionQueueUpdate:    "QUEUE_UPDATE",
	ActionMatchFound:     "MATCH_FOUND",
	ActionMatchStart:     "MATCH_START",
	ActionMatchSync:      "MATCH_SYNC",
	ActionMatchState:     "MATCH_STATE",
	ActionForfeit:        "FORFEIT",
	ActionMatchEnd:       "MATCH_END",
	ActionMove:           "MOVE",
	ActionMoveConfirm:    "MOVE_CONFIRM",
	ActionReject:         "REJECT",
	ActionPowerupGranted: "POWERUP_GRANTED",
	ActionAbilityUsed:    "ABILITY_USED",
	ActionEffectExpired:  "EFFECT_EXPIRED",
	ActionCastEmber:      "CAST_EMBER",
	ActionCastSmoke:      "CAST_SMOKE",
	ActionCastFrost:      "CAST_FROST",
	ActionCastTide:       "CAST_TIDE",
	ActionCastStoneskin:  "CAST_STONESKIN",
	ActionCastTailwind:   "CAST_TAILWIND",
}

// String returns the action name, or its number if unnamed.
func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("ACTION(%d)", int(a))
}
