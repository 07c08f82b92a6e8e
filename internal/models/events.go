package models

// Client event types sent over the websocket.
const (
	EventGoOnline    = "go_online"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventStartTyping = "start_typing"
	EventStopTyping  = "stop_typing"
)

// Server event types pushed to connections.
const (
	EventConnected         = "connected"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventMessageReceived   = "message_received"
	EventMessageSent       = "message_sent"
	EventNewMessageNotice  = "new_message_notification"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventPresenceChanged   = "presence_changed"
	EventError             = "error"
)

// Presence statuses carried by presence_changed.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ClientEvent is an inbound websocket frame.
type ClientEvent struct {
	Type       string      `json:"type"`
	PeerID     int         `json:"peer_id,omitempty"`
	Text       string      `json:"text,omitempty"`
	SharedPost *SharedPost `json:"shared_post,omitempty"`
	ClientRef  string      `json:"client_ref,omitempty"`
}

// Payload extracts the message body of a send_message frame.
func (e ClientEvent) Payload() MessagePayload {
	return MessagePayload{Text: e.Text, SharedPost: e.SharedPost, ClientRef: e.ClientRef}
}

// ServerEvent is broadcast through websockets.
type ServerEvent struct {
	Type        string       `json:"type"`
	Message     *ChatMessage `json:"message,omitempty"`
	ClientRef   string       `json:"client_ref,omitempty"`
	UserID      int          `json:"user_id,omitempty"`
	PeerID      int          `json:"peer_id,omitempty"`
	SenderID    int          `json:"sender_id,omitempty"`
	SenderName  string       `json:"sender_name,omitempty"`
	Status      string       `json:"status,omitempty"`
	Room        string       `json:"room,omitempty"`
	TransportID string       `json:"transport_id,omitempty"`
	OnlineUsers []int        `json:"online_users,omitempty"`
	Error       string       `json:"error,omitempty"`
}
