package store

import "encoding/json"

// DeadLetter is a queued operation that exhausted its retry budget or was
// rejected permanently while draining.
type DeadLetter struct {
	ID         string
	Queue      string
	Payload    json.RawMessage
	Attempts   int
	LastError  string
	EnqueuedAt int64
	FailedAt   int64
}
