package sync

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/activity"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
)

// Options tunes the engine's components.
type Options struct {
	TypingTimeout time.Duration
	Outbox        outbox.Options
}

// Engine owns one transport connection and every component built on it:
// connection monitor, offline queue, presence, typing, chat and activity
// feed. It is the single entry point for callers.
type Engine struct {
	t      transport.Transport
	env    env.Environment
	bus    *bus.Bus
	logger *zap.Logger

	monitor  *status.Monitor
	queue    *outbox.Queue
	presence *presence.Registry
	typing   *typing.Coordinator
	chat     *chat.Service
	feed     *activity.Feed
}

// NewEngine wires the components on top of t. db may be nil; dead letters
// are then kept in memory.
func NewEngine(t transport.Transport, e env.Environment, db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := status.NewMonitor(e, b, logger.Named("status"))
	queue := outbox.New(monitor, db, b, e, logger.Named("outbox"), opts.Outbox)
	reg := presence.New(t, queue, e, b, logger.Named("presence"))

	eng := &Engine{
		t:        t,
		env:      e,
		bus:      b,
		logger:   logger,
		monitor:  monitor,
		queue:    queue,
		presence: reg,
		typing:   typing.New(reg, e, opts.TypingTimeout, logger.Named("typing")),
		chat:     chat.NewService(t, queue, e, b, logger.Named("chat")),
		feed:     activity.NewFeed(t, queue, e, b, logger.Named("activity")),
	}

	// Reasserted presence joins the queue behind anything buffered while
	// offline. The drain is started before status listeners hear of the
	// reconnect; anything they submit lands behind the backlog.
	monitor.OnReconnect(reg.Reassert)
	monitor.OnReconnect(queue.Resume)
	return eng
}

// Start begins observing the transport's connectivity signal.
func (e *Engine) Start() {
	e.monitor.Watch(e.t)
	e.logger.Info("sync engine started")
}

// Stop cancels typing timers, drops subscriptions and stops in-flight
// deliveries. Queued operations that were not delivered are lost.
func (e *Engine) Stop() {
	e.typing.Close()
	e.chat.Close()
	e.feed.Close()
	e.presence.Close()
	e.monitor.Stop()
	e.queue.Close()

	pending := 0
	for _, n := range e.queue.Stats() {
		pending += n
	}
	e.logger.Info("sync engine stopped", zap.Int("undelivered", pending))
}

// SendMessage sends msg to channelID and returns its id.
func (e *Engine) SendMessage(channelID string, msg chat.Outgoing) (string, error) {
	return e.chat.Send(channelID, msg)
}

// ListenMessages streams a channel's messages, oldest first.
func (e *Engine) ListenMessages(channelID string, cb func([]chat.Message)) func() {
	return e.chat.Listen(channelID, cb)
}

// Messages returns the current messages of a channel.
func (e *Engine) Messages(channelID string) []chat.Message {
	return e.chat.Messages(channelID)
}

func (e *Engine) AddReaction(channelID, messageID, userID, emoji string) error {
	return e.chat.AddReaction(channelID, messageID, userID, emoji)
}

func (e *Engine) EditMessage(channelID, messageID, body string) error {
	return e.chat.Edit(channelID, messageID, body)
}

func (e *Engine) MarkRead(channelID, messageID, userID string) error {
	return e.chat.MarkRead(channelID, messageID, userID)
}

// SetTyping shows or clears userID's typing indicator in channelID.
func (e *Engine) SetTyping(channelID, userID string, isTyping bool) error {
	return e.typing.SetTyping(channelID, userID, isTyping)
}

func (e *Engine) SetPresence(userID string, st presence.Status, meta *presence.Metadata) error {
	return e.presence.SetPresence(userID, st, meta)
}

func (e *Engine) ListenPresence(userID string, cb func(presence.Record)) func() {
	return e.presence.Listen(userID, cb)
}

func (e *Engine) Presence(userID string) (presence.Record, bool) {
	return e.presence.Get(userID)
}

func (e *Engine) AddActivity(userID string, typ activity.Type, data activity.Data, vis activity.Visibility) (string, error) {
	return e.feed.Add(userID, typ, data, vis)
}

func (e *Engine) ListenActivity(userID string, cb func([]activity.Event), opts activity.ListenOptions) func() {
	return e.feed.Listen(userID, cb, opts)
}

// ConnectionStatus returns the monitor's current view of the link.
func (e *Engine) ConnectionStatus() status.ConnectionState {
	return e.monitor.Status()
}

// OnStatusChange registers cb for connect and disconnect edges. On a connect
// edge cb runs after the offline queues were drained.
func (e *Engine) OnStatusChange(cb func(status.ConnectionState)) func() {
	return e.monitor.OnStatusChange(cb)
}

// OnError registers cb for operations that were rejected or ran out of
// retries. Callers learn of permanent failures only this way.
func (e *Engine) OnError(cb func(outbox.Failure)) func() {
	return e.queue.OnError(cb)
}

// QueueStats returns the number of waiting operations per queue.
func (e *Engine) QueueStats() map[string]int {
	return e.queue.Stats()
}

// DeadLetters lists operations that will not be delivered.
func (e *Engine) DeadLetters(queue string, limit int) ([]store.DeadLetter, error) {
	return e.queue.DeadLetters(queue, limit)
}

// DeadLetterCounts returns the number of dead letters per queue.
func (e *Engine) DeadLetterCounts() (map[string]int, error) {
	return e.queue.DeadLetterCounts()
}

// DiscardDeadLetter forgets a dead letter once it has been dealt with.
func (e *Engine) DiscardDeadLetter(id string) error {
	return e.queue.DiscardDeadLetter(id)
}

// Flush drains every queue now instead of waiting for the next reconnect.
func (e *Engine) Flush(ctx context.Context) {
	if !e.monitor.IsConnected() {
		return
	}
	e.queue.DrainAll(ctx)
}
