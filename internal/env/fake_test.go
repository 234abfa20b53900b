package env

import (
	"testing"
	"time"
)

func TestFakeFiresInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var got []string
	f.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	f.AfterFunc(time.Second, func() { got = append(got, "a") })

	f.Advance(1500 * time.Millisecond)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("after 1.5s fired = %v, want [a]", got)
	}
	f.Advance(time.Second)
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("after 2.5s fired = %v, want [a b]", got)
	}
	if f.Pending() != 0 {
		t.Errorf("pending = %d, want 0", f.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop() = false on live timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

// TestFakeNowDuringCallback verifies a callback observes its own due time,
// not the end of the Advance window.
func TestFakeNowDuringCallback(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	var at time.Time
	f.AfterFunc(3*time.Second, func() { at = f.Now() })
	f.Advance(10 * time.Second)
	if want := start.Add(3 * time.Second); !at.Equal(want) {
		t.Errorf("Now() in callback = %v, want %v", at, want)
	}
	if want := start.Add(10 * time.Second); !f.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", f.Now(), want)
	}
}
