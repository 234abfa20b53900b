package redistransport

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/redis/go-redis/v9"
)

func newTransport(t *testing.T, mr *miniredis.Miniredis, heartbeat time.Duration) *Transport {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	tr := New(rdb, Options{Prefix: "test", Heartbeat: heartbeat, SweepInterval: time.Hour}, nil)
	return tr
}

func started(t *testing.T, mr *miniredis.Miniredis, heartbeat time.Duration) *Transport {
	t.Helper()
	tr := newTransport(t, mr, heartbeat)
	if err := tr.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func record(t *testing.T, tr *Transport, path string) map[string]any {
	t.Helper()
	raw, ok, err := tr.Get(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWriteFansOutToOtherClients(t *testing.T) {
	mr := miniredis.RunT(t)
	a := started(t, mr, time.Hour)
	b := started(t, mr, time.Hour)

	var mu sync.Mutex
	var last transport.Snapshot
	var added []string
	defer b.SubscribeValue("chats/c1/messages", func(s transport.Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})()
	defer b.SubscribeChildAdded("chats/c1/messages", func(c transport.Child) {
		mu.Lock()
		added = append(added, c.Key)
		mu.Unlock()
	})()

	if err := a.Write(t.Context(), "chats/c1/messages/m1", map[string]any{"body": "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Write(t.Context(), "chats/c1/messages/m2", map[string]any{"body": "there"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Update(t.Context(), "chats/c1/messages/m1", map[string]any{"read": true}); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var m1 map[string]any
		if err := json.Unmarshal(last.Children["m1"], &m1); err != nil {
			return false
		}
		return len(last.Children) == 2 && m1["read"] == true
	}, "subscriber never saw both messages")

	mu.Lock()
	defer mu.Unlock()
	if len(added) != 2 || added[0] != "m1" || added[1] != "m2" {
		t.Errorf("child added = %v, want [m1 m2]", added)
	}
}

func TestChildAddedReplaysExistingInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	a := started(t, mr, time.Hour)
	for _, k := range []string{"e3", "e1", "e2"} {
		if err := a.Write(t.Context(), "activities/u1/"+k, map[string]any{"id": k}); err != nil {
			t.Fatal(err)
		}
	}

	// A reader that is not started receives no change events, so only the
	// replay is delivered.
	reader := newTransport(t, mr, time.Hour)
	var keys []string
	defer reader.SubscribeChildAdded("activities/u1", func(c transport.Child) {
		keys = append(keys, c.Key)
	})()

	want := []string{"e3", "e1", "e2"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestUpdateMergesAndDeletesFields(t *testing.T) {
	mr := miniredis.RunT(t)
	a := started(t, mr, time.Hour)
	ctx := t.Context()

	if err := a.Update(ctx, "presence/u1", map[string]any{"status": "online", "deviceInfo/platform": "web"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Update(ctx, "presence/u1", map[string]any{"isTyping": true, "deviceInfo/platform": nil}); err != nil {
		t.Fatal(err)
	}
	rec := record(t, a, "presence/u1")
	if rec["status"] != "online" || rec["isTyping"] != true {
		t.Errorf("record = %v", rec)
	}
	if _, ok := rec["deviceInfo"]; ok {
		t.Errorf("deviceInfo = %v, want pruned", rec["deviceInfo"])
	}
}

func TestNotStartedIsDisconnected(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTransport(t, mr, time.Hour)

	if err := tr.Write(t.Context(), "a/b", 1); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("Write() error = %v, want ErrDisconnected", err)
	}
	if err := tr.OnDisconnect(t.Context(), "a/b", map[string]any{"x": 1}); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("OnDisconnect() error = %v, want ErrDisconnected", err)
	}
	var got []bool
	tr.SubscribeValue(transport.ConnectedPath, func(s transport.Snapshot) { got = append(got, s.Bool()) })
	if len(got) != 1 || got[0] {
		t.Errorf("connected signal = %v, want [false]", got)
	}
}

func TestSweepAppliesCleanupsOfExpiredSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := t.Context()

	crashed := newTransport(t, mr, time.Hour)
	if err := crashed.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := crashed.OnDisconnect(ctx, "presence/u1", map[string]any{"status": "offline", "isTyping": false}); err != nil {
		t.Fatal(err)
	}
	if err := crashed.Update(ctx, "presence/u1", map[string]any{"status": "online", "isTyping": true}); err != nil {
		t.Fatal(err)
	}
	// The process dies: loops stop, nothing is cleaned up.
	crashed.cancel()
	crashed.wg.Wait()

	survivor := started(t, mr, time.Hour)
	if n, err := survivor.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v before expiry, want 0", n, err)
	}

	mr.FastForward(crashed.opts.SessionTTL + time.Second)
	n, err := survivor.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	rec := record(t, survivor, "presence/u1")
	if rec["status"] != "offline" || rec["isTyping"] != false {
		t.Errorf("record = %v, want offline", rec)
	}
	if n, _ := survivor.Sweep(ctx); n != 0 {
		t.Errorf("second sweep reaped %d, want 0", n)
	}
}

func TestCloseRunsOwnCleanups(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := t.Context()
	a := newTransport(t, mr, time.Hour)
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.OnDisconnect(ctx, "presence/u1", map[string]any{"status": "offline"}); err != nil {
		t.Fatal(err)
	}
	if err := a.OnDisconnect(ctx, "presence/u1", map[string]any{"lastSeen": 42}); err != nil {
		t.Fatal(err)
	}
	if err := a.Write(ctx, "presence/u1", map[string]any{"status": "busy"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b := started(t, mr, time.Hour)
	rec := record(t, b, "presence/u1")
	if rec["status"] != "offline" || rec["lastSeen"] != float64(42) {
		t.Errorf("record = %v, want both cleanups merged", rec)
	}
	if a.IsConnected() {
		t.Error("closed transport still reports connected")
	}
}

func TestConnectedSignalFollowsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	a := started(t, mr, 10*time.Millisecond)

	var mu sync.Mutex
	var states []bool
	defer a.SubscribeValue(transport.ConnectedPath, func(s transport.Snapshot) {
		mu.Lock()
		states = append(states, s.Bool())
		mu.Unlock()
	})()
	lastState := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1]
	}

	eventually(t, lastState, "never reported connected")

	mr.SetError("LOADING redis is loading")
	eventually(t, func() bool { return !lastState() }, "never reported the outage")
	if err := a.Write(t.Context(), "a/b", 1); !errors.Is(err, transport.ErrDisconnected) {
		t.Errorf("Write() during outage error = %v, want ErrDisconnected", err)
	}

	mr.SetError("")
	eventually(t, lastState, "never reported the recovery")
}
