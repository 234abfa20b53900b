package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/activity"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var errSlowConsumer = errors.New("client is not reading fast enough")

// conn is one authenticated WebSocket client.
type conn struct {
	ws      *websocket.Conn
	user    string
	backend Backend
	logger  *zap.Logger

	out    chan Outbound
	done   chan struct{}
	once   sync.Once
	failed error

	mu        sync.Mutex
	subs      map[string]func()
	announced bool // the client set its own presence
}

func newConn(ws *websocket.Conn, user string, backend Backend, logger *zap.Logger) *conn {
	return &conn{
		ws:      ws,
		user:    user,
		backend: backend,
		logger:  logger,
		out:     make(chan Outbound, sendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]func()),
	}
}

// run pumps frames both ways until either side stops, then drops every
// subscription and, if the client announced itself, marks it offline.
func (c *conn) run(ctx context.Context) {
	c.logger.Info("websocket connected")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.read(ctx) })
	g.Go(func() error { return c.write(ctx) })
	err := g.Wait()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	announced := c.announced
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	if announced {
		if err := c.backend.SetPresence(c.user, presence.Offline, nil); err != nil {
			c.logger.Warn("failed to mark user offline", zap.Error(err))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("websocket closed", zap.Error(err))
		return
	}
	c.logger.Info("websocket closed")
}

func (c *conn) read(ctx context.Context) error {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				return err
			}
			return context.Canceled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.push(Outbound{Type: FrameError, Code: "invalid_argument", Error: "malformed frame"})
			continue
		}
		c.handle(in)
	}
}

func (c *conn) write(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return c.failed
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// close ends the connection. Safe to call more than once.
func (c *conn) close() {
	c.closeWith(nil)
}

func (c *conn) closeWith(err error) {
	c.once.Do(func() {
		c.failed = err
		close(c.done)
	})
}

// push queues f for the client without blocking the engine. A client that
// lets its buffer fill is disconnected.
func (c *conn) push(f Outbound) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- f:
	default:
		c.logger.Warn("dropping slow websocket client")
		c.closeWith(errSlowConsumer)
	}
}

func (c *conn) handle(in Inbound) {
	id, err := c.dispatch(in)
	if err != nil {
		c.push(Outbound{Type: FrameError, RequestID: in.RequestID, Code: code(err), Error: err.Error()})
		return
	}
	c.push(Outbound{Type: FrameAck, RequestID: in.RequestID, ID: id})
}

func (c *conn) dispatch(in Inbound) (string, error) {
	switch in.Type {
	case FrameSendMessage:
		channelID := in.ChannelID
		if channelID == "" && in.ReceiverID != "" {
			channelID = chat.ChannelID(c.user, in.ReceiverID)
		}
		if err := c.member(channelID); err != nil {
			return "", err
		}
		return c.backend.SendMessage(channelID, chat.Outgoing{
			SenderID:   c.user,
			ReceiverID: in.ReceiverID,
			Body:       in.Body,
			Kind:       in.Kind,
			Content:    in.Content,
			ReplyTo:    in.ReplyTo,
		})
	case FrameTyping:
		if err := c.member(in.ChannelID); err != nil {
			return "", err
		}
		return "", c.backend.SetTyping(in.ChannelID, c.user, in.Typing)
	case FramePresence:
		var meta *presence.Metadata
		if in.CurrentPage != "" {
			meta = &presence.Metadata{CurrentPage: in.CurrentPage}
		}
		st := presence.Status(in.Status)
		if err := c.backend.SetPresence(c.user, st, meta); err != nil {
			return "", err
		}
		c.mu.Lock()
		c.announced = st != presence.Offline
		c.mu.Unlock()
		return "", nil
	case FrameReaction:
		if err := c.member(in.ChannelID); err != nil {
			return "", err
		}
		return "", c.backend.AddReaction(in.ChannelID, in.MessageID, c.user, in.Emoji)
	case FrameEdit:
		if err := c.member(in.ChannelID); err != nil {
			return "", err
		}
		return "", c.backend.EditMessage(in.ChannelID, in.MessageID, in.Body)
	case FrameRead:
		if err := c.member(in.ChannelID); err != nil {
			return "", err
		}
		return "", c.backend.MarkRead(in.ChannelID, in.MessageID, c.user)
	case FrameActivity:
		var data activity.Data
		if in.Data != nil {
			data = *in.Data
		}
		return c.backend.AddActivity(c.user, in.ActivityType, data, in.Visibility)
	case FrameListenMessages:
		if err := c.member(in.ChannelID); err != nil {
			return "", err
		}
		channelID := in.ChannelID
		c.subscribe("messages:"+channelID, func() func() {
			return c.backend.ListenMessages(channelID, func(msgs []chat.Message) {
				c.push(Outbound{Type: FrameMessages, ChannelID: channelID, Messages: msgs})
			})
		})
		return "", nil
	case FrameListenPresence:
		userID := in.UserID
		if userID == "" {
			userID = c.user
		}
		c.subscribe("presence:"+userID, func() func() {
			return c.backend.ListenPresence(userID, func(rec presence.Record) {
				c.push(Outbound{Type: FramePresence, UserID: userID, Presence: &rec})
			})
		})
		return "", nil
	case FrameListenActivity:
		userID := in.UserID
		if userID == "" {
			userID = c.user
		}
		if in.IncludePrivate && userID != c.user {
			return "", fmt.Errorf("private activities of %s: %w", userID, transport.ErrPermissionDenied)
		}
		opts := activity.ListenOptions{IncludePrivate: in.IncludePrivate, MaxActivities: in.MaxActivities}
		c.subscribe("activities:"+userID, func() func() {
			return c.backend.ListenActivity(userID, func(events []activity.Event) {
				c.push(Outbound{Type: FrameActivities, UserID: userID, Activities: events})
			}, opts)
		})
		return "", nil
	case FrameUnlisten:
		c.mu.Lock()
		unsub, ok := c.subs[in.Topic]
		delete(c.subs, in.Topic)
		c.mu.Unlock()
		if !ok {
			return "", transport.Invalid("topic", fmt.Sprintf("not listening to %q", in.Topic))
		}
		unsub()
		return "", nil
	default:
		return "", transport.Invalid("type", fmt.Sprintf("unknown frame type %q", in.Type))
	}
}

// subscribe replaces the subscription stored under topic.
func (c *conn) subscribe(topic string, listen func() func()) {
	c.mu.Lock()
	prev := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	unsub := listen()
	c.mu.Lock()
	c.subs[topic] = unsub
	c.mu.Unlock()
}

// member checks that the caller is one of the two participants of channelID.
func (c *conn) member(channelID string) error {
	if channelID == "" {
		return transport.Invalid("channel_id", "must not be empty")
	}
	a, b, ok := chat.Participants(channelID)
	if !ok {
		return transport.Invalid("channel_id", fmt.Sprintf("%q is not a conversation id", channelID))
	}
	if c.user != a && c.user != b {
		return fmt.Errorf("channel %s: %w", channelID, transport.ErrPermissionDenied)
	}
	return nil
}

func code(err error) string {
	var verr *transport.ValidationError
	switch {
	case errors.As(err, &verr):
		return "invalid_argument"
	case errors.Is(err, transport.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "internal"
	}
}
