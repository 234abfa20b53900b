package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Path returns the transport path of a user's feed.
func Path(userID string) string {
	return transport.Join("activities", userID)
}

// ListenOptions filters what a feed listener receives.
type ListenOptions struct {
	IncludePrivate bool
	// MaxActivities truncates the newest-first list; zero means no limit.
	MaxActivities int
}

// Feed appends activity events and streams users' feeds.
type Feed struct {
	t      transport.Transport
	q      *outbox.Queue
	env    env.Environment
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewFeed creates a feed and binds the activities queue handler.
func NewFeed(t transport.Transport, q *outbox.Queue, e env.Environment, b *bus.Bus, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		t:      t,
		q:      q,
		env:    e,
		bus:    b,
		logger: logger,
		subs:   make(map[int]func()),
	}
	q.Register(outbox.Activities, f.deliver)
	return f
}

// Add appends an event to userID's feed and returns its id without waiting
// for the transport. An empty visibility means public.
func (f *Feed) Add(userID string, typ Type, data Data, vis Visibility) (string, error) {
	if vis == "" {
		vis = Public
	}
	if !vis.valid() {
		return "", transport.Invalid("visibility", fmt.Sprintf("unknown visibility %q", vis))
	}
	if err := validate(userID, typ, data); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate activity id: %w", err)
	}
	evt := Event{
		ID:         id.String(),
		UserID:     userID,
		Type:       typ,
		Data:       data,
		Timestamp:  f.env.Now().UnixMilli(),
		Visibility: vis,
	}
	if _, err := f.q.Submit(outbox.Activities, evt); err != nil {
		return "", err
	}
	f.bus.Publish(bus.Event{
		Kind:      bus.KindActivityAdded,
		Timestamp: f.env.Now(),
		Payload:   map[string]any{"user_id": userID, "type": string(typ), "activity_id": evt.ID},
	})
	return evt.ID, nil
}

// feedView is a numbered rendering of one listener's feed.
type feedView struct {
	seq    uint64
	events []Event
}

type listener struct {
	opts   ListenOptions
	mu     sync.Mutex
	events map[string]Event
	seq    uint64
	ready  bool
	out    *bus.Listeners[feedView]
}

// Listen calls cb with userID's feed, newest first, once the existing events
// are loaded and again whenever an event is appended. Private events are
// left out unless opts.IncludePrivate is set.
func (f *Feed) Listen(userID string, cb func([]Event), opts ListenOptions) func() {
	l := &listener{
		opts:   opts,
		events: make(map[string]Event),
		out:    bus.NewListeners[feedView](),
	}
	var last uint64
	l.out.Add(func(v feedView) {
		if v.seq <= last {
			return
		}
		last = v.seq
		cb(v.events)
	})

	unsub := f.t.SubscribeChildAdded(Path(userID), func(c transport.Child) {
		var evt Event
		if err := json.Unmarshal(c.Value, &evt); err != nil {
			f.logger.Warn("skipping undecodable activity", zap.String("user_id", userID), zap.String("activity_id", c.Key), zap.Error(err))
			return
		}
		if evt.ID == "" {
			evt.ID = c.Key
		}
		if v, ok := l.add(evt); ok {
			l.out.Emit(v)
		}
	})
	l.out.Emit(l.start())

	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = unsub
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.out.Clear()
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			unsub()
		})
	}
}

// Close drops every feed subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[int]func())
	f.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

func (f *Feed) deliver(ctx context.Context, op outbox.Operation) error {
	var evt Event
	if err := op.Decode(&evt); err != nil {
		return transport.Invalid("payload", err.Error())
	}
	if err := f.t.Write(ctx, transport.Join(Path(evt.UserID), evt.ID), evt); err != nil {
		return fmt.Errorf("write activity %s: %w", evt.ID, err)
	}
	return nil
}

// add records evt and reports the view to emit, if any. Events seen while
// the existing children are still loading are emitted once by start.
func (l *listener) add(evt Event) (feedView, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if evt.Visibility == Private && !l.opts.IncludePrivate {
		return feedView{}, false
	}
	if _, dup := l.events[evt.ID]; dup {
		return feedView{}, false
	}
	l.events[evt.ID] = evt
	if !l.ready {
		return feedView{}, false
	}
	return l.render(), true
}

func (l *listener) start() feedView {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = true
	return l.render()
}

// render must be called with l.mu held.
func (l *listener) render() feedView {
	l.seq++
	out := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	if n := l.opts.MaxActivities; n > 0 && len(out) > n {
		out = out[:n]
	}
	return feedView{seq: l.seq, events: out}
}
