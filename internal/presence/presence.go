package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Status is a user's presence status.
type Status string

const (
	Online    Status = "online"
	Away      Status = "away"
	Busy      Status = "busy"
	Invisible Status = "invisible"
	Offline   Status = "offline"
)

// ladder is the order of the non-offline statuses; a user may only step to
// a neighbour, while offline is reachable from and to every status.
var ladder = map[Status]int{Online: 0, Away: 1, Busy: 2, Invisible: 3}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ladder[s]
	return ok || s == Offline
}

// CanTransition reports whether a user may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to || from == Offline || to == Offline {
		return true
	}
	a, okA := ladder[from]
	b, okB := ladder[to]
	if !okA || !okB {
		return false
	}
	d := a - b
	return d == 1 || d == -1
}

// Record is the presence record of one user.
type Record struct {
	UserID      string          `json:"userId"`
	Status      Status          `json:"status"`
	LastSeen    int64           `json:"lastSeen"` // unix ms
	CurrentPage string          `json:"currentPage,omitempty"`
	IsTyping    bool            `json:"isTyping"`
	TypingIn    string          `json:"typingIn,omitempty"`
	DeviceInfo  *env.DeviceInfo `json:"deviceInfo,omitempty"`
}

// Metadata is optional data attached to a presence update.
type Metadata struct {
	CurrentPage string
	Device      *env.DeviceInfo
}

// Path returns the transport path of a user's presence record.
func Path(userID string) string {
	return transport.Join("presence", userID)
}

// update is the queued form of a presence write. Every write refreshes the
// disconnect hook first, so the hook always carries the newest lastSeen.
type update struct {
	UserID string         `json:"userId"`
	Patch  map[string]any `json:"patch"`
}

// Registry publishes and observes presence records.
type Registry struct {
	t      transport.Transport
	q      *outbox.Queue
	env    env.Environment
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	local    map[string]Record // our own view, used for transition checks
	lastSeen map[string]int64
	wanted   map[string]Record // last status each local user asked for
	subs     map[int]func()
	nextSub  int
}

// New creates a registry and binds the presence queue's delivery handler.
func New(t transport.Transport, q *outbox.Queue, e env.Environment, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		t:        t,
		q:        q,
		env:      e,
		bus:      b,
		logger:   logger,
		local:    make(map[string]Record),
		lastSeen: make(map[string]int64),
		wanted:   make(map[string]Record),
		subs:     make(map[int]func()),
	}
	q.Register(outbox.Presence, r.deliver)
	return r
}

// SetPresence upserts userID's record with status. The write also registers
// a disconnect hook that turns the record offline if the client vanishes.
// Invalid input is rejected synchronously; delivery is asynchronous.
func (r *Registry) SetPresence(userID string, status Status, meta *Metadata) error {
	if userID == "" {
		return transport.Invalid("userId", "must not be empty")
	}
	if !status.Valid() {
		return transport.Invalid("status", fmt.Sprintf("unknown status %q", status))
	}

	r.mu.Lock()
	prev, ok := r.local[userID]
	if !ok {
		prev.Status = Offline
	}
	if !CanTransition(prev.Status, status) {
		r.mu.Unlock()
		return transport.Invalid("status", fmt.Sprintf("cannot go from %s to %s", prev.Status, status))
	}
	seen := r.stamp(userID)
	rec := prev
	rec.UserID = userID
	rec.Status = status
	rec.LastSeen = seen
	patch := map[string]any{
		"userId":   userID,
		"status":   status,
		"lastSeen": seen,
	}
	if meta != nil && meta.CurrentPage != "" {
		rec.CurrentPage = meta.CurrentPage
		patch["currentPage"] = meta.CurrentPage
	}
	device := r.env.DeviceInfo()
	if meta != nil && meta.Device != nil {
		device = *meta.Device
	}
	rec.DeviceInfo = &device
	patch["deviceInfo"] = device
	if status == Offline {
		rec.IsTyping, rec.TypingIn = false, ""
		patch["isTyping"] = false
		patch["typingIn"] = nil
	}
	r.local[userID] = rec
	if status == Offline {
		delete(r.wanted, userID)
	} else {
		r.wanted[userID] = rec
	}
	r.mu.Unlock()

	if _, err := r.q.Submit(outbox.Presence, update{UserID: userID, Patch: patch}); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: r.env.Now(),
		Payload:   map[string]any{"user_id": userID, "status": string(status)},
	})
	return nil
}

// Reassert queues again the last requested status of every local user that
// is not offline, with a fresh disconnect hook. Run it on reconnect: the
// backend consumed the previous hooks when the link dropped.
func (r *Registry) Reassert() {
	r.mu.Lock()
	var updates []update
	for userID, want := range r.wanted {
		seen := r.stamp(userID)
		rec := r.local[userID]
		rec.UserID = userID
		rec.Status = want.Status
		rec.LastSeen = seen
		r.local[userID] = rec
		patch := map[string]any{
			"userId":   userID,
			"status":   want.Status,
			"lastSeen": seen,
		}
		if want.CurrentPage != "" {
			patch["currentPage"] = want.CurrentPage
		}
		if want.DeviceInfo != nil {
			patch["deviceInfo"] = *want.DeviceInfo
		}
		updates = append(updates, update{UserID: userID, Patch: patch})
	}
	r.mu.Unlock()

	for _, u := range updates {
		if _, err := r.q.Submit(outbox.Presence, u); err != nil {
			r.logger.Warn("failed to reassert presence", zap.String("user_id", u.UserID), zap.Error(err))
		}
	}
	if len(updates) > 0 {
		r.logger.Info("presence reasserted", zap.Int("users", len(updates)))
	}
}

// SetTypingState sets or clears the typing fields of userID's record.
// Clearing with a channel only takes effect while the record still points
// at that channel; an empty channel clears unconditionally.
func (r *Registry) SetTypingState(userID, channelID string, typing bool) error {
	if userID == "" {
		return transport.Invalid("userId", "must not be empty")
	}
	patch := map[string]any{"isTyping": typing}
	if typing {
		if channelID == "" {
			return transport.Invalid("channelId", "must not be empty")
		}
		patch["typingIn"] = channelID
	} else {
		patch["typingIn"] = nil
	}

	r.mu.Lock()
	rec := r.local[userID]
	if !typing && channelID != "" && rec.TypingIn != "" && rec.TypingIn != channelID {
		r.mu.Unlock()
		return nil
	}
	rec.UserID = userID
	rec.IsTyping = typing
	rec.TypingIn = ""
	if typing {
		rec.TypingIn = channelID
	}
	if rec.Status == "" {
		rec.Status = Offline
	}
	r.local[userID] = rec
	r.mu.Unlock()

	_, err := r.q.Submit(outbox.Presence, update{UserID: userID, Patch: patch})
	return err
}

// Listen calls cb with userID's record now and on every change. A user with
// no record is reported offline. Each call returns an independent
// unsubscribe; once it returns no further callback starts.
func (r *Registry) Listen(userID string, cb func(Record)) func() {
	var closed atomic.Bool
	unsub := r.t.SubscribeValue(Path(userID), func(s transport.Snapshot) {
		if closed.Load() {
			return
		}
		rec := Record{UserID: userID, Status: Offline}
		if s.Exists() {
			if err := s.Decode(&rec); err != nil {
				r.logger.Warn("undecodable presence record", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
		r.observe(rec)
		if closed.Load() {
			return
		}
		cb(rec)
	})

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = unsub
	r.mu.Unlock()

	return func() {
		if !closed.CompareAndSwap(false, true) {
			return
		}
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		unsub()
	}
}

// Get returns the last record observed or written for userID.
func (r *Registry) Get(userID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.local[userID]
	return rec, ok
}

// Close drops every transport subscription made by Listen.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[int]func())
	r.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// observe folds a record seen on the transport into the local view.
func (r *Registry) observe(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.LastSeen > r.lastSeen[rec.UserID] {
		r.lastSeen[rec.UserID] = rec.LastSeen
	}
	r.local[rec.UserID] = rec
}

// stamp returns a lastSeen for userID that never goes backwards. r.mu must
// be held.
func (r *Registry) stamp(userID string) int64 {
	now := r.env.Now().UnixMilli()
	if prev := r.lastSeen[userID]; now < prev {
		now = prev
	}
	r.lastSeen[userID] = now
	return now
}

func (r *Registry) deliver(ctx context.Context, op outbox.Operation) error {
	var u update
	if err := op.Decode(&u); err != nil {
		return transport.Invalid("payload", err.Error())
	}
	path := Path(u.UserID)
	r.mu.Lock()
	seen := r.stamp(u.UserID)
	r.mu.Unlock()
	onGone := map[string]any{
		"status":   Offline,
		"lastSeen": seen,
		"isTyping": false,
		"typingIn": nil,
	}
	if err := r.t.OnDisconnect(ctx, path, onGone); err != nil {
		return fmt.Errorf("register disconnect cleanup for %s: %w", u.UserID, err)
	}
	if err := r.t.Update(ctx, path, u.Patch); err != nil {
		return fmt.Errorf("update presence of %s: %w", u.UserID, err)
	}
	return nil
}
