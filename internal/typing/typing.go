package typing

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/env"
	"go.uber.org/zap"
)

// DefaultTimeout is how long a typing indicator lives without a refresh.
const DefaultTimeout = 3000 * time.Millisecond

// Writer applies a typing state to the user's presence record.
type Writer interface {
	SetTypingState(userID, channelID string, typing bool) error
}

type key struct {
	channelID string
	userID    string
}

type entry struct {
	timer env.Timer
	gen   uint64
}

// Coordinator keeps at most one expiry timer per (channel, user). Setting
// typing again replaces the timer, so rapid updates extend the indicator
// instead of stacking timers.
type Coordinator struct {
	w       Writer
	env     env.Environment
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	timers map[key]*entry
	gen    uint64
	closed bool
}

// New creates a coordinator. A non-positive timeout uses DefaultTimeout.
func New(w Writer, e env.Environment, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		w:       w,
		env:     e,
		timeout: timeout,
		logger:  logger,
		timers:  make(map[key]*entry),
	}
}

// SetTyping marks userID as typing in channelID, or clears it.
func (c *Coordinator) SetTyping(channelID, userID string, typing bool) error {
	k := key{channelID: channelID, userID: userID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if old, ok := c.timers[k]; ok {
		old.timer.Stop()
		delete(c.timers, k)
	}
	if typing {
		c.gen++
		e := &entry{gen: c.gen}
		e.timer = c.env.AfterFunc(c.timeout, func() { c.expire(k, e.gen) })
		c.timers[k] = e
	}
	c.mu.Unlock()

	if err := c.w.SetTypingState(userID, channelID, typing); err != nil {
		if typing {
			c.cancel(k)
		}
		return err
	}
	return nil
}

// Active returns the number of live timers.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// IsTyping reports whether userID has a live indicator in channelID.
func (c *Coordinator) IsTyping(channelID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[key{channelID: channelID, userID: userID}]
	return ok
}

// Close cancels every outstanding timer. Later calls to SetTyping are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.timers {
		e.timer.Stop()
		delete(c.timers, k)
	}
	c.closed = true
}

// expire clears the indicator unless the timer was replaced or cancelled
// after it was scheduled.
func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	e, ok := c.timers[k]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.timers, k)
	c.mu.Unlock()

	if err := c.w.SetTypingState(k.userID, k.channelID, false); err != nil {
		c.logger.Warn("failed to clear typing state", zap.String("channel_id", k.channelID), zap.String("user_id", k.userID), zap.Error(err))
	}
}

func (c *Coordinator) cancel(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.timers[k]; ok {
		e.timer.Stop()
		delete(c.timers, k)
	}
}
