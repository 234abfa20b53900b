package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/transport"
)

func newTestMonitor(t *testing.T) (*Monitor, *env.Fake) {
	t.Helper()
	clock := env.NewFake(time.Unix(1_700_000_000, 0))
	return NewMonitor(clock, nil, nil), clock
}

func TestInitialStateIsOffline(t *testing.T) {
	m, _ := newTestMonitor(t)
	st := m.Status()
	if st.Connected {
		t.Error("Connected = true before any signal")
	}
	if st.Quality != Offline {
		t.Errorf("Quality = %s, want offline", st.Quality)
	}
}

func TestEdgesFireExactlyOnce(t *testing.T) {
	m, _ := newTestMonitor(t)
	var edges []bool
	unsub := m.OnStatusChange(func(s ConnectionState) { edges = append(edges, s.Connected) })
	defer unsub()

	signals := []bool{false, true, true, true, false, false, true}
	for _, s := range signals {
		m.Observe(s)
	}

	want := []bool{true, false, true}
	if len(edges) != len(want) {
		t.Fatalf("edges = %v, want %v", edges, want)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Errorf("edge[%d] = %v, want %v", i, edges[i], want[i])
		}
	}
}

func TestConsecutiveFailures(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.Observe(false) // first signal is not a failure
	m.Observe(false)
	m.Observe(false)
	if got := m.Status().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
	m.Observe(true)
	if got := m.Status().ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures after connect = %d, want 0", got)
	}
}

func TestQualityByElapsedTime(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    Quality
	}{
		{0, Excellent},
		{999 * time.Millisecond, Excellent},
		{time.Second, Good},
		{4999 * time.Millisecond, Good},
		{5 * time.Second, Poor},
	}
	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			m, clock := newTestMonitor(t)
			m.Observe(true)
			clock.Advance(tt.elapsed)
			if got := m.Status().Quality; got != tt.want {
				t.Errorf("Quality after %v = %s, want %s", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestHostOfflineDegradesQuality(t *testing.T) {
	m, clock := newTestMonitor(t)
	m.Observe(true)
	if got := m.Status().Quality; got != Excellent {
		t.Fatalf("Quality = %s, want excellent", got)
	}
	clock.SetOnline(false)
	if got := m.Status().Quality; got != Poor {
		t.Errorf("Quality with host offline = %s, want poor", got)
	}
	clock.SetOnline(true)
	if got := m.Status().Quality; got != Excellent {
		t.Errorf("Quality with host back = %s, want excellent", got)
	}
	m.Observe(false)
	clock.SetOnline(false)
	if got := m.Status().Quality; got != Offline {
		t.Errorf("Quality disconnected = %s, want offline", got)
	}
}

// TestReconcilersRunBeforeListeners verifies the connect edge runs the
// reconciliation hooks before any status listener observes "connected".
func TestReconcilersRunBeforeListeners(t *testing.T) {
	m, _ := newTestMonitor(t)
	var order []string
	m.OnReconnect(func() { order = append(order, "reconcile") })
	unsub := m.OnStatusChange(func(s ConnectionState) {
		if s.Connected {
			order = append(order, "listener")
		}
	})
	defer unsub()

	m.Observe(true)
	m.Observe(false)
	m.Observe(true)

	want := []string{"reconcile", "listener", "reconcile", "listener"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestWatchTransportSignal(t *testing.T) {
	m, _ := newTestMonitor(t)
	mem := transport.NewMemory()
	m.Watch(mem)
	defer m.Stop()

	if m.IsConnected() {
		t.Fatal("connected before transport connected")
	}
	mem.SetConnected(true)
	if !m.IsConnected() {
		t.Error("IsConnected() = false after transport connected")
	}
	mem.SetConnected(false)
	if m.IsConnected() {
		t.Error("IsConnected() = true after transport disconnected")
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMonitor(env.NewFake(time.Unix(0, 0)), b, nil)
	m.Observe(true)

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConnectionChanged {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConnectionChanged)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From || !change.To {
			t.Errorf("change = %v -> %v, want false -> true", change.From, change.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection.changed")
	}
}
