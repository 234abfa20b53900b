package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// MessagesPath returns the transport path holding a channel's messages.
func MessagesPath(channelID string) string {
	return transport.Join("chats", channelID, "messages")
}

func messagePath(channelID, messageID string) string {
	return transport.Join(MessagesPath(channelID), messageID)
}

// Queued operation kinds on the messages queue.
const (
	opSend     = "send"
	opEdit     = "edit"
	opReaction = "reaction"
	opRead     = "read"
)

type envelope struct {
	Op        string         `json:"op"`
	ChannelID string         `json:"channelId"`
	MessageID string         `json:"messageId"`
	Message   *Message       `json:"message,omitempty"`
	Patch     map[string]any `json:"patch,omitempty"`
	ChangeID  string         `json:"changeId,omitempty"`
}

// change is a local patch to a message that the transport has not
// confirmed. Changes are layered over every snapshot in submit order until
// a snapshot newer than their delivery arrives.
type change struct {
	id        string
	messageID string
	patch     map[string]any
	delivered bool
}

// view is a numbered rendering of a channel. Listeners skip views older
// than the last one they saw.
type view struct {
	seq  uint64
	msgs []Message
}

// channel mirrors one conversation from the transport.
type channel struct {
	id        string
	remote    map[string]Message
	pending   map[string]Message
	changes   []*change
	listeners *bus.Listeners[view]
	seq       uint64
	unsub     func()
}

// Service sends and observes chat messages. Writes go through the offline
// queue; reads come from one transport subscription per channel.
type Service struct {
	t      transport.Transport
	q      *outbox.Queue
	env    env.Environment
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	unsubErr func()
}

// NewService creates the service and binds the messages queue handler.
func NewService(t transport.Transport, q *outbox.Queue, e env.Environment, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		t:        t,
		q:        q,
		env:      e,
		bus:      b,
		logger:   logger,
		channels: make(map[string]*channel),
	}
	q.Register(outbox.Messages, s.deliver)
	s.unsubErr = q.OnError(s.dropFailed)
	return s
}

// Send stores msg in channelID and returns its id without waiting for the
// transport. While disconnected the id is provisional: the message waits in
// the offline queue and keeps the same id once delivered.
func (s *Service) Send(channelID string, msg Outgoing) (string, error) {
	if err := msg.validate(channelID); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	m := Message{
		ID:         id.String(),
		ChannelID:  channelID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Body:       msg.Body,
		Timestamp:  s.env.Now().UnixMilli(),
		Kind:       msg.Kind,
		Content:    msg.Content,
		ReplyTo:    msg.ReplyTo,
	}

	ch := s.channel(channelID)
	s.mu.Lock()
	p := m
	p.Pending = true
	ch.pending[m.ID] = p
	s.mu.Unlock()

	if _, err := s.q.Submit(outbox.Messages, envelope{Op: opSend, ChannelID: channelID, MessageID: m.ID, Message: &m}); err != nil {
		s.mu.Lock()
		delete(ch.pending, m.ID)
		s.mu.Unlock()
		return "", err
	}
	s.logger.Debug("message submitted", zap.String("channel_id", channelID), zap.String("msg_id", m.ID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSent,
		Timestamp: s.env.Now(),
		Payload:   map[string]any{"channel_id": channelID, "msg_id": m.ID, "sender_id": m.SenderID},
	})
	s.emit(ch)
	return m.ID, nil
}

// Listen calls cb with the channel's messages, oldest first, now and on
// every change. Unconfirmed local messages are included with Pending set.
func (s *Service) Listen(channelID string, cb func([]Message)) func() {
	ch := s.channel(channelID)
	var last uint64
	deliver := func(v view) {
		if v.seq <= last {
			return
		}
		last = v.seq
		cb(v.msgs)
	}
	return ch.listeners.AddWithInitial(deliver, func() view { return s.render(ch) })
}

// Messages returns the current view of a channel.
func (s *Service) Messages(channelID string) []Message {
	return s.render(s.channel(channelID)).msgs
}

// AddReaction toggles userID's emoji reaction on a message. Calling it twice
// restores the original state; other users and emoji are untouched.
func (s *Service) AddReaction(channelID, messageID, userID, emoji string) error {
	if err := validEmoji(emoji); err != nil {
		return err
	}
	if userID == "" {
		return transport.Invalid("userId", "must not be empty")
	}
	ch := s.channel(channelID)

	s.mu.Lock()
	m, ok := s.lookup(ch, messageID)
	if !ok {
		s.mu.Unlock()
		return transport.Invalid("messageId", fmt.Sprintf("unknown message %s", messageID))
	}
	field := "reactions/" + emoji + "/" + userID
	patch := map[string]any{field: true}
	if m.HasReaction(emoji, userID) {
		patch[field] = nil
	}
	c := track(ch, messageID, patch)
	s.mu.Unlock()

	return s.submitPatch(ch, opReaction, c)
}

// Edit replaces a message body and marks it edited.
func (s *Service) Edit(channelID, messageID, body string) error {
	if body == "" {
		return transport.Invalid("body", "must not be empty")
	}
	if len(body) > MaxBodyLen {
		return transport.Invalid("body", fmt.Sprintf("longer than %d bytes", MaxBodyLen))
	}
	ch := s.channel(channelID)
	now := s.env.Now().UnixMilli()

	s.mu.Lock()
	if _, ok := s.lookup(ch, messageID); !ok {
		s.mu.Unlock()
		return transport.Invalid("messageId", fmt.Sprintf("unknown message %s", messageID))
	}
	c := track(ch, messageID, map[string]any{
		"body":     body,
		"edited":   true,
		"editedAt": now,
	})
	s.mu.Unlock()

	return s.submitPatch(ch, opEdit, c)
}

// MarkRead records that userID has read a message.
func (s *Service) MarkRead(channelID, messageID, userID string) error {
	if userID == "" {
		return transport.Invalid("userId", "must not be empty")
	}
	ch := s.channel(channelID)

	s.mu.Lock()
	m, ok := s.lookup(ch, messageID)
	if !ok {
		s.mu.Unlock()
		return transport.Invalid("messageId", fmt.Sprintf("unknown message %s", messageID))
	}
	if m.ReadBy[userID] {
		s.mu.Unlock()
		return nil
	}
	c := track(ch, messageID, map[string]any{
		"read":            true,
		"readBy/" + userID: true,
	})
	s.mu.Unlock()

	return s.submitPatch(ch, opRead, c)
}

// Close drops every channel subscription and listener.
func (s *Service) Close() {
	s.mu.Lock()
	chans := s.channels
	s.channels = make(map[string]*channel)
	s.closed = true
	s.mu.Unlock()

	s.unsubErr()
	for _, ch := range chans {
		ch.unsub()
		ch.listeners.Clear()
	}
}

func (s *Service) submitPatch(ch *channel, op string, c *change) error {
	e := envelope{Op: op, ChannelID: ch.id, MessageID: c.messageID, Patch: c.patch, ChangeID: c.id}
	if _, err := s.q.Submit(outbox.Messages, e); err != nil {
		s.mu.Lock()
		forget(ch, c.id)
		s.mu.Unlock()
		return err
	}
	s.emit(ch)
	return nil
}

// channel returns the mirror of channelID, subscribing on first use.
func (s *Service) channel(channelID string) *channel {
	s.mu.Lock()
	if ch, ok := s.channels[channelID]; ok {
		s.mu.Unlock()
		return ch
	}
	ch := &channel{
		id:        channelID,
		remote:    make(map[string]Message),
		pending:   make(map[string]Message),
		listeners: bus.NewListeners[view](),
		unsub:     func() {},
	}
	if s.closed {
		s.mu.Unlock()
		return ch
	}
	s.channels[channelID] = ch
	s.mu.Unlock()

	unsub := s.t.SubscribeValue(MessagesPath(channelID), func(snap transport.Snapshot) {
		s.observe(ch, snap)
	})
	s.mu.Lock()
	ch.unsub = unsub
	s.mu.Unlock()
	return ch
}

func (s *Service) observe(ch *channel, snap transport.Snapshot) {
	remote := make(map[string]Message, len(snap.Children))
	for id, raw := range snap.Children {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("skipping undecodable message", zap.String("channel_id", ch.id), zap.String("msg_id", id), zap.Error(err))
			continue
		}
		if m.ID == "" {
			m.ID = id
		}
		remote[id] = m
	}

	s.mu.Lock()
	ch.remote = remote
	for id := range ch.pending {
		if _, ok := remote[id]; ok {
			delete(ch.pending, id)
		}
	}
	// Changes delivered before this snapshot are part of it now.
	live := ch.changes[:0]
	for _, c := range ch.changes {
		if !c.delivered {
			live = append(live, c)
		}
	}
	clear(ch.changes[len(live):])
	ch.changes = live
	s.mu.Unlock()

	s.emit(ch)
}

func (s *Service) emit(ch *channel) {
	if ch.listeners.Len() == 0 {
		return
	}
	ch.listeners.Emit(s.render(ch))
}

// render builds the merged, sorted view of a channel under a new sequence
// number.
func (s *Service) render(ch *channel) view {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch.seq++
	out := make([]Message, 0, len(ch.remote)+len(ch.pending))
	for _, m := range ch.remote {
		out = append(out, s.overlay(ch, clone(m)))
	}
	for id, m := range ch.pending {
		if _, ok := ch.remote[id]; !ok {
			out = append(out, s.overlay(ch, clone(m)))
		}
	}
	Sort(out)
	return view{seq: ch.seq, msgs: out}
}

// dropFailed removes a message or change that will never be delivered from
// the local view.
func (s *Service) dropFailed(f outbox.Failure) {
	if f.Op.Queue != outbox.Messages {
		return
	}
	var e envelope
	if err := f.Op.Decode(&e); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[e.ChannelID]
	if ok {
		if e.Op == opSend {
			delete(ch.pending, e.MessageID)
		} else {
			forget(ch, e.ChangeID)
		}
	}
	s.mu.Unlock()
	if ok {
		s.emit(ch)
	}
}

func (s *Service) deliver(ctx context.Context, op outbox.Operation) error {
	var e envelope
	if err := op.Decode(&e); err != nil {
		return transport.Invalid("payload", err.Error())
	}
	path := messagePath(e.ChannelID, e.MessageID)
	switch e.Op {
	case opSend:
		if e.Message == nil {
			return transport.Invalid("message", "missing")
		}
		if err := s.t.Write(ctx, path, e.Message); err != nil {
			return fmt.Errorf("write message %s: %w", e.MessageID, err)
		}
	case opEdit, opReaction, opRead:
		if err := s.t.Update(ctx, path, e.Patch); err != nil {
			return fmt.Errorf("%s message %s: %w", e.Op, e.MessageID, err)
		}
		s.confirm(e.ChannelID, e.ChangeID)
	default:
		return transport.Invalid("op", fmt.Sprintf("unknown operation %q", e.Op))
	}
	return nil
}

// confirm marks a change as accepted by the transport. It stays layered
// until the next snapshot, which includes it.
func (s *Service) confirm(channelID, changeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return
	}
	for _, c := range ch.changes {
		if c.id == changeID {
			c.delivered = true
			return
		}
	}
}

// overlay applies the unconfirmed changes of m in submit order. s.mu must
// be held.
func (s *Service) overlay(ch *channel, m Message) Message {
	for _, c := range ch.changes {
		if c.messageID != m.ID {
			continue
		}
		patched, err := applyPatch(m, c.patch)
		if err != nil {
			s.logger.Warn("skipping unappliable change", zap.String("channel_id", ch.id), zap.String("msg_id", m.ID), zap.Error(err))
			continue
		}
		m = patched
	}
	return m
}

// lookup returns a private copy of a known message with local changes
// applied. s.mu must be held.
func (s *Service) lookup(ch *channel, id string) (Message, bool) {
	if m, ok := ch.remote[id]; ok {
		return s.overlay(ch, clone(m)), true
	}
	if m, ok := ch.pending[id]; ok {
		return s.overlay(ch, clone(m)), true
	}
	return Message{}, false
}

// track records a local change to messageID. s.mu must be held.
func track(ch *channel, messageID string, patch map[string]any) *change {
	c := &change{id: uuid.NewString(), messageID: messageID, patch: patch}
	ch.changes = append(ch.changes, c)
	return c
}

// forget drops a change that will not reach the transport. s.mu must be
// held.
func forget(ch *channel, changeID string) {
	for i, c := range ch.changes {
		if c.id == changeID {
			ch.changes = append(ch.changes[:i:i], ch.changes[i+1:]...)
			return
		}
	}
}

func applyPatch(m Message, patch map[string]any) (Message, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return m, err
	}
	raw, err = transport.ApplyPatch(raw, patch)
	if err != nil {
		return m, err
	}
	var out Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return m, err
	}
	out.Pending = m.Pending
	return out, nil
}

func clone(m Message) Message {
	if m.ReadBy != nil {
		m.ReadBy = maps.Clone(m.ReadBy)
	}
	reactions := make(map[string]map[string]bool, len(m.Reactions))
	for emoji, users := range m.Reactions {
		reactions[emoji] = maps.Clone(users)
	}
	m.Reactions = reactions
	return m
}
