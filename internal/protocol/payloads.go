package protocol

// Auth is sent by the client to authenticate. An empty Token requests a
// guest identity.
type Auth struct {
	Token   string `json:"token,omitempty"`
	Version string `json:"version"`
}

// AuthResult answers a successful Auth. Token is set when a guest identity
// was issued.
type AuthResult struct {
	PlayerID string `json:"playerID"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// Ping is the server timing probe.
type Ping struct {
	ServerTime int64 `json:"serverTime"`
}

// Pong answers a Ping, echoing its server time.
type Pong struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
}

// QueueJoin asks to enter matchmaking under Name.
type QueueJoin struct {
	Name string `json:"name"`
}

// QueueUpdate reports matchmaking status to a queued client.
type QueueUpdate struct {
	InQueue     bool `json:"inQueue"`
	OnlineCount int  `json:"onlineCount"`
}

// PlayerInfo names one participant of a match.
type PlayerInfo struct {
	PlayerID string `json:"playerID"`
	Username string `json:"username"`
}

// MatchFound tells a paired client its player index and the participants.
type MatchFound struct {
	MyID    int          `json:"myID"`
	Players []PlayerInfo `json:"players"`
}

// MatchStart carries the puzzle every participant starts from.
type MatchStart struct {
	RoomCode   string `json:"roomCode"`
	Givens     string `json:"givens"`
	ServerTime int64  `json:"serverTime"`
}

// BoardState is one player's authoritative board in a MatchState.
type BoardState struct {
	Values        string `json:"values"`
	CooldownEnd   int64  `json:"cooldownEnd"`
	Completed     bool   `json:"completed"`
	FrozenUntil   int64  `json:"frozenUntil,omitempty"`
	ShieldActive  bool   `json:"shieldActive,omitempty"`
	HasteUntil    int64  `json:"hasteUntil,omitempty"`
	LastActionID  int64  `json:"lastActionID"`
	PowerupSlots  []int  `json:"powerupSlots,omitempty"`
	CorrectPlaced int    `json:"correctPlaced"`
}

// MatchState is the full authoritative match snapshot sent on sync.
type MatchState struct {
	RoomCode      string       `json:"roomCode"`
	MyID          int          `json:"myID"`
	Givens        string       `json:"givens"`
	Boards        []BoardState `json:"boards"`
	GameStateHash string       `json:"gameStateHash"`
	ServerTime    int64        `json:"serverTime"`
}

// Forfeit concedes the match.
type Forfeit struct{}

// MatchEnd announces the match result. Winner is -1 for a draw.
type MatchEnd struct {
	Winner int    `json:"winner"`
	Reason string `json:"reason"`
}

// Move submits a cell value. Value 0 clears the cell.
type Move struct {
	ActionID   int64 `json:"actionID"`
	CellIndex  int   `json:"cellIndex"`
	Value      int   `json:"value"`
	ClientTime int64 `json:"clientTime"`
}

// MoveConfirm broadcasts an accepted Move.
type MoveConfirm struct {
	ActionID   int64 `json:"actionID"`
	PlayerID   int   `json:"playerID"`
	CellIndex  int   `json:"cellIndex"`
	Value      int   `json:"value"`
	ServerTime int64 `json:"serverTime"`
}

// Reject answers a refused Move or ability use, to the submitter only.
type Reject struct {
	ActionID      int64  `json:"actionID"`
	GameStateHash string `json:"gameStateHash"`
}

// AbilityUse casts the powerup held in slot PupID.
type AbilityUse struct {
	ActionID   int64 `json:"actionID"`
	PupID      int   `json:"pupID"`
	ClientTime int64 `json:"clientTime"`
	Target     int   `json:"target"`
	CellIndex  int   `json:"cellIndex,omitempty"`
}

// AbilityUsed broadcasts an accepted ability use.
type AbilityUsed struct {
	Ability    string `json:"ability"`
	ActionID   int64  `json:"actionID"`
	PupID      int    `json:"pupID"`
	ClientTime int64  `json:"clientTime"`
	Target     int    `json:"target"`
	CellIndex  int    `json:"cellIndex,omitempty"`
	PlayerID   int    `json:"playerID"`
	ServerTime int64  `json:"serverTime"`
	Effect     string `json:"effect"`
	Blocked    bool   `json:"blocked,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
}

// PowerupGranted tells a player a powerup landed in slot PupID.
type PowerupGranted struct {
	PupID     int    `json:"pupID"`
	Ability   string `json:"ability"`
	Action    int    `json:"action"`
	ExpiresAt int64  `json:"expiresAt"`
}

// EffectExpired announces the end of an ability effect.
type EffectExpired struct {
	PlayerID int    `json:"playerID"`
	Effect   string `json:"effect"`
}
