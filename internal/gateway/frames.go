package gateway

import (
	"github.com/matheus3301/chatsync/internal/activity"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/presence"
)

// Frame types sent by clients.
const (
	FrameSendMessage    = "send_message"
	FrameTyping         = "typing"
	FramePresence       = "presence"
	FrameReaction       = "reaction"
	FrameEdit           = "edit"
	FrameRead           = "read"
	FrameActivity       = "activity"
	FrameListenMessages = "listen_messages"
	FrameListenPresence = "listen_presence"
	FrameListenActivity = "listen_activity"
	FrameUnlisten       = "unlisten"
)

// Frame types pushed by the gateway. FramePresence is shared with clients.
const (
	FrameAck        = "ack"
	FrameMessages   = "messages"
	FrameActivities = "activities"
	FrameError      = "error"
)

// Inbound is a client frame. Which fields apply depends on Type.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	ChannelID  string        `json:"channel_id,omitempty"`
	ReceiverID string        `json:"receiver_id,omitempty"`
	MessageID  string        `json:"message_id,omitempty"`
	Body       string        `json:"body,omitempty"`
	Kind       chat.Kind     `json:"kind,omitempty"`
	Content    *chat.Content `json:"content,omitempty"`
	ReplyTo    string        `json:"reply_to,omitempty"`
	Emoji      string        `json:"emoji,omitempty"`
	Typing     bool          `json:"typing,omitempty"`

	// UserID names the user to observe for listen_presence and
	// listen_activity. It defaults to the caller.
	UserID      string `json:"user_id,omitempty"`
	Status      string `json:"status,omitempty"`
	CurrentPage string `json:"current_page,omitempty"`

	ActivityType   activity.Type       `json:"activity_type,omitempty"`
	Data           *activity.Data      `json:"data,omitempty"`
	Visibility     activity.Visibility `json:"visibility,omitempty"`
	IncludePrivate bool                `json:"include_private,omitempty"`
	MaxActivities  int                 `json:"max_activities,omitempty"`

	// Topic names the subscription to drop for unlisten, e.g. "messages:a_b".
	Topic string `json:"topic,omitempty"`
}

// Outbound is a frame pushed to the client.
type Outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Messages   []chat.Message   `json:"messages,omitempty"`
	Presence   *presence.Record `json:"presence,omitempty"`
	Activities []activity.Event `json:"activities,omitempty"`
	Error      string           `json:"error,omitempty"`
	Code       string           `json:"code,omitempty"`
}
