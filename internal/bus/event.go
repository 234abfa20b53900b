package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by prefix,
// e.g. "outbox." receives every queue event.
const (
	KindConnectionChanged = "connection.changed"
	KindOutboxQueued      = "outbox.queued"
	KindOutboxDrained     = "outbox.drained"
	KindOutboxDeadLetter  = "outbox.dead_letter"
	KindPresenceChanged   = "presence.changed"
	KindMessageSent       = "message.sent"
	KindActivityAdded     = "activity.added"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
