package party

// ControlKind names one durable session control message.
type ControlKind string

const (
	// ControlPlayerJoined records a player entering the party.
	ControlPlayerJoined ControlKind = "player_joined"
	// ControlPlayerLeft records a player leaving the party.
	ControlPlayerLeft ControlKind = "player_left"
	// ControlSessionStart moves the session to active play.
	ControlSessionStart ControlKind = "session_start"
	// ControlCoordinationRequest opens a multi-player coordinated action.
	ControlCoordinationRequest ControlKind = "coordination_request"
	// ControlCoordinationConfirm adds one confirmation to a pending request.
	ControlCoordinationConfirm ControlKind = "coordination_confirm"
)

// ControlEnvelope is one message on the session_control queue.
//
// Membership and lifecycle changes ride the durable bus like player actions
// do, so a crash between the gateway and the engine never loses a join or a
// departure. The fields past PlayerID only matter for coordination kinds.
type ControlEnvelope struct {
	Kind           ControlKind `json:"kind"`
	SessionID      string      `json:"session_id"`
	PlayerID       string      `json:"player_id"`
	CharacterID    string      `json:"character_id,omitempty"`
	CharacterName  string      `json:"character_name,omitempty"`
	CoordinationID string      `json:"coordination_id,omitempty"`
	Required       int         `json:"required,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
}
