package typing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/transport"
)

type state struct {
	channel string
	typing  bool
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []state
	err   error
}

func (w *fakeWriter) SetTypingState(_, channelID string, typing bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.calls = append(w.calls, state{channel: channelID, typing: typing})
	return nil
}

func (w *fakeWriter) last() state {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[len(w.calls)-1]
}

func newTest(t *testing.T) (*Coordinator, *fakeWriter, *env.Fake) {
	t.Helper()
	clock := env.NewFake(time.Unix(1_700_000_000, 0))
	w := &fakeWriter{}
	c := New(w, clock, 0, nil)
	t.Cleanup(c.Close)
	return c, w, clock
}

func TestTypingClearsAfterTimeout(t *testing.T) {
	c, w, clock := newTest(t)
	if err := c.SetTyping("u1_u2", "u1", true); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2999 * time.Millisecond)
	if !w.last().typing {
		t.Fatal("typing cleared before 3000ms")
	}
	clock.Advance(time.Millisecond)
	if w.last().typing {
		t.Error("typing still set at 3000ms")
	}
	if c.Active() != 0 {
		t.Errorf("Active() = %d, want 0", c.Active())
	}
}

func TestRepeatedTypingExtendsTimeout(t *testing.T) {
	c, w, clock := newTest(t)
	for range 3 {
		if err := c.SetTyping("u1_u2", "u1", true); err != nil {
			t.Fatal(err)
		}
		clock.Advance(2 * time.Second)
	}
	if c.Active() != 1 || clock.Pending() != 1 {
		t.Fatalf("Active() = %d, pending timers = %d, want 1 each", c.Active(), clock.Pending())
	}
	if !w.last().typing {
		t.Fatal("typing cleared while still being refreshed")
	}

	// 3000ms after the last refresh.
	clock.Advance(time.Second)
	if w.last().typing {
		t.Error("typing not cleared 3000ms after the last refresh")
	}
}

func TestExplicitStopCancelsTimer(t *testing.T) {
	c, w, clock := newTest(t)
	_ = c.SetTyping("u1_u2", "u1", true)
	if err := c.SetTyping("u1_u2", "u1", false); err != nil {
		t.Fatal(err)
	}
	if c.Active() != 0 || clock.Pending() != 0 {
		t.Errorf("Active() = %d, pending = %d, want 0", c.Active(), clock.Pending())
	}
	calls := len(w.calls)
	clock.Advance(10 * time.Second)
	if len(w.calls) != calls {
		t.Error("a cancelled timer still wrote")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	c, _, clock := newTest(t)
	_ = c.SetTyping("u1_u2", "u1", true)
	clock.Advance(time.Second)
	_ = c.SetTyping("u1_u3", "u1", true)
	_ = c.SetTyping("u1_u2", "u2", true)

	clock.Advance(2 * time.Second)
	if c.IsTyping("u1_u2", "u1") {
		t.Error("u1 in u1_u2 should have expired")
	}
	if !c.IsTyping("u1_u3", "u1") || !c.IsTyping("u1_u2", "u2") {
		t.Error("other keys expired early")
	}
}

func TestCloseCancelsEveryTimer(t *testing.T) {
	c, _, clock := newTest(t)
	_ = c.SetTyping("a", "u1", true)
	_ = c.SetTyping("b", "u2", true)
	c.Close()
	if clock.Pending() != 0 {
		t.Errorf("pending timers after Close = %d, want 0", clock.Pending())
	}
	if err := c.SetTyping("a", "u1", true); err != nil {
		t.Fatal(err)
	}
	if c.Active() != 0 {
		t.Error("SetTyping after Close armed a timer")
	}
}

func TestWriterErrorDropsTimer(t *testing.T) {
	c, w, clock := newTest(t)
	w.err = transport.Invalid("userId", "must not be empty")
	if err := c.SetTyping("a", "", true); !errors.Is(err, w.err) {
		t.Fatalf("SetTyping() error = %v, want writer error", err)
	}
	if c.Active() != 0 || clock.Pending() != 0 {
		t.Error("timer left behind after a rejected write")
	}
}
