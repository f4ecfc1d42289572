package ws

// ClientMessage is the envelope for everything a client sends over the
// socket. Type selects the action; unused fields stay zero.
type ClientMessage struct {
	Type   string `json:"type"` // join | leave | typing | heartbeat
	RoomID string `json:"roomId,omitempty"`
	Typing bool   `json:"typing,omitempty"`
}

// ServerMessage is the envelope for everything emitted to a client.
type ServerMessage struct {
	Event  string `json:"event"`
	RoomID string `json:"roomId,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Client-facing event names. These are the wire contract with the frontend.
const (
	EventMessageNew     = "message:new"
	EventMessageUpdated = "message:updated"
	EventMessageDeleted = "message:deleted"
	EventTypingStatus   = "typing:status"
	EventTypingUsers    = "typing:users"
	EventOnlineStatus   = "user:online_status"
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventNotification   = "notification"
	EventRoomStats      = "room:stats"
)
