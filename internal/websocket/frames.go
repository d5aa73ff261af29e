package websocket

import (
	"encoding/json"
	"time"
)

// Lifecycle event types emitted by the client itself.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventError        = "error"
)

// Server event types.
const (
	EventListUpdate    = "list_update"
	EventItemUpdate    = "item_update"
	EventFriendRequest = "friend_request"
	EventNotification  = "notification"
	EventTyping        = "typing_indicator"
	EventOnlineStatus  = "online_status_update"
	EventFriendStatus  = "friend_status_update"
	EventRoomJoined    = "room_joined"
	EventPong          = "pong"
)

// Event is either a frame received from the server or a lifecycle event.
// Lifecycle events carry Err, Auth and Attempt; server frames carry the
// decoded envelope fields and the raw payload in Data.
type Event struct {
	Type      string          `json:"type"`
	ListID    string          `json:"list_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	IsTyping  *bool           `json:"is_typing,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`

	Err     error `json:"-"`
	Auth    bool  `json:"-"`
	Attempt int   `json:"-"`
}

// frame is a client-to-server message.
type frame struct {
	Type      string   `json:"type"`
	ListID    string   `json:"list_id,omitempty"`
	IsTyping  *bool    `json:"is_typing,omitempty"`
	FriendIDs []string `json:"friend_ids,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

func joinFrame(listID string) frame  { return frame{Type: "join_list_room", ListID: listID} }
func leaveFrame(listID string) frame { return frame{Type: "leave_list_room", ListID: listID} }

func typingFrame(listID string, typing bool) frame {
	return frame{Type: "typing_indicator", ListID: listID, IsTyping: &typing}
}

func onlineStatusFrame(friendIDs []string) frame {
	return frame{Type: "get_online_status", FriendIDs: friendIDs}
}

func pingFrame(now time.Time) frame {
	return frame{Type: "ping", Timestamp: now.UTC().Format(time.RFC3339Nano)}
}
