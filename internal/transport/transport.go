// Package transport defines the real-time store the sync core talks to and
// ships an in-memory implementation of it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ConnectedPath carries the transport's own boolean connectivity signal.
const ConnectedPath = ".info/connected"

var (
	// ErrDisconnected means no transport is reachable. Callers route the
	// operation to the offline queue instead of reporting it.
	ErrDisconnected = errors.New("transport disconnected")
	// ErrPermissionDenied is returned when the backend rejects an operation.
	// It is surfaced to callers and never retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransient marks a write/read that failed while the link was up.
	ErrTransient = errors.New("transient network error")
)

// ValidationError reports a malformed payload. It is rejected synchronously
// and never queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) || errors.Is(err, ErrPermissionDenied)
}

// Snapshot is the state of a path at notification time.
type Snapshot struct {
	Path string
	// Value is the record stored exactly at Path, nil if none.
	Value json.RawMessage
	// Children holds the records stored directly below Path, keyed by the
	// last path segment.
	Children map[string]json.RawMessage
}

// Exists reports whether anything is stored at or directly below the path.
func (s Snapshot) Exists() bool {
	return s.Value != nil || len(s.Children) > 0
}

// Decode unmarshals Value into v.
func (s Snapshot) Decode(v any) error {
	if s.Value == nil {
		return fmt.Errorf("no value at %s", s.Path)
	}
	return json.Unmarshal(s.Value, v)
}

// Bool decodes Value as a boolean, false when absent or malformed.
func (s Snapshot) Bool() bool {
	var b bool
	if s.Value == nil {
		return false
	}
	if err := json.Unmarshal(s.Value, &b); err != nil {
		return false
	}
	return b
}

// Child is delivered by SubscribeChildAdded for each new direct child.
type Child struct {
	Key   string
	Value json.RawMessage
}

// Transport is the set of primitives the core needs from a real-time backend.
type Transport interface {
	// Write replaces the record at path.
	Write(ctx context.Context, path string, value any) error
	// Update merges patch into the record at path. Keys may be slash
	// separated to address nested fields; a nil value deletes the field.
	Update(ctx context.Context, path string, patch map[string]any) error
	// SubscribeValue calls cb with the current snapshot and again on every
	// change at or below path.
	SubscribeValue(path string, cb func(Snapshot)) (unsubscribe func())
	// SubscribeChildAdded calls cb once per existing child and for every
	// child created afterwards.
	SubscribeChildAdded(path string, cb func(Child)) (unsubscribe func())
	// OnDisconnect registers patch to be applied to path by the backend if
	// this client's connection is lost.
	OnDisconnect(ctx context.Context, path string, patch map[string]any) error
}

// Join builds a path from segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Split returns the parent of path and its last segment.
func Split(path string) (parent, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Ancestors returns path followed by each of its parents, innermost first.
func Ancestors(path string) []string {
	out := []string{path}
	for {
		parent, _ := Split(path)
		if parent == "" {
			return out
		}
		out = append(out, parent)
		path = parent
	}
}
