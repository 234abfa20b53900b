package api

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/activity"
	"github.com/matheus3301/chatsync/internal/chat"
)

// Request and response bodies. They travel as google.protobuf.Struct using
// their JSON field names.

type SendMessageRequest struct {
	// ChannelID defaults to the channel of sender and receiver.
	ChannelID  string        `json:"channel_id,omitempty"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id"`
	Body       string        `json:"body,omitempty"`
	Kind       chat.Kind     `json:"kind,omitempty"`
	Content    *chat.Content `json:"content,omitempty"`
	ReplyTo    string        `json:"reply_to,omitempty"`
}

type SendMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

type EditMessageRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

type ReactionRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type MarkReadRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type TypingRequest struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Typing    bool   `json:"typing"`
}

type PresenceRequest struct {
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	CurrentPage string `json:"current_page,omitempty"`
}

type ActivityRequest struct {
	UserID     string              `json:"user_id"`
	Type       activity.Type       `json:"type"`
	Data       activity.Data       `json:"data"`
	Visibility activity.Visibility `json:"visibility,omitempty"`
}

type ActivityResponse struct {
	ID string `json:"id"`
}

type StatusResponse struct {
	Session             string         `json:"session"`
	Connected           bool           `json:"connected"`
	Quality             string         `json:"quality"`
	LastTransitionAtMs  int64          `json:"last_transition_at_ms"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	UptimeMs            int64          `json:"uptime_ms"`
	Queues              map[string]int `json:"queues"`
	DeadLetters         map[string]int `json:"dead_letters,omitempty"`
}

type QueueStatsResponse struct {
	Queues map[string]int `json:"queues"`
}

type DeadLettersRequest struct {
	Queue string `json:"queue,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type DeadLetter struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error"`
	EnqueuedAtMs int64           `json:"enqueued_at_ms"`
	FailedAtMs   int64           `json:"failed_at_ms"`
}

type DeadLettersResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
}

type DiscardDeadLetterRequest struct {
	ID string `json:"id"`
}

type WatchRequest struct {
	// Prefix filters events by kind, e.g. "outbox.". Empty streams all.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event streamed by Watch.
type Event struct {
	EventID      string          `json:"event_id"`
	Session      string          `json:"session"`
	Kind         string          `json:"kind"`
	OccurredAtMs int64           `json:"occurred_at_ms"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type empty struct{}
