package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func connectedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.SetConnected(true)
	return m
}

func TestMemoryWriteWhileDisconnected(t *testing.T) {
	m := NewMemory()
	err := m.Write(context.Background(), "presence/u1", map[string]string{"status": "online"})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Write() error = %v, want ErrDisconnected", err)
	}
	if len(m.Ops()) != 0 {
		t.Errorf("ops = %d, want 0", len(m.Ops()))
	}
}

func TestMemorySubscribeValueSeesChildren(t *testing.T) {
	m := connectedMemory(t)
	ctx := context.Background()

	var snaps []Snapshot
	unsub := m.SubscribeValue("chats/a_b/messages", func(s Snapshot) { snaps = append(snaps, s) })
	defer unsub()

	if len(snaps) != 1 || snaps[0].Exists() {
		t.Fatalf("initial snapshots = %+v, want one empty snapshot", snaps)
	}

	if err := m.Write(ctx, "chats/a_b/messages/m1", map[string]string{"body": "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(ctx, "chats/a_b/messages/m2", map[string]string{"body": "yo"}); err != nil {
		t.Fatal(err)
	}

	last := snaps[len(snaps)-1]
	if len(last.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(last.Children))
	}
	var body struct{ Body string }
	if err := json.Unmarshal(last.Children["m1"], &body); err != nil {
		t.Fatal(err)
	}
	if body.Body != "hi" {
		t.Errorf("m1 body = %q, want hi", body.Body)
	}
}

func TestMemoryChildAddedOncePerChild(t *testing.T) {
	m := connectedMemory(t)
	ctx := context.Background()
	_ = m.Write(ctx, "activities/u1/a1", map[string]int{"n": 1})

	var keys []string
	unsub := m.SubscribeChildAdded("activities/u1", func(c Child) { keys = append(keys, c.Key) })
	defer unsub()

	_ = m.Write(ctx, "activities/u1/a2", map[string]int{"n": 2})
	// Overwriting an existing child is not an add.
	_ = m.Write(ctx, "activities/u1/a2", map[string]int{"n": 3})

	if len(keys) != 2 || keys[0] != "a1" || keys[1] != "a2" {
		t.Errorf("child keys = %v, want [a1 a2]", keys)
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := connectedMemory(t)
	calls := 0
	unsub := m.SubscribeValue("presence/u1", func(Snapshot) { calls++ })
	unsub()
	_ = m.Write(context.Background(), "presence/u1", map[string]string{"status": "online"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (initial only)", calls)
	}
}

func TestMemoryDisconnectRunsCleanups(t *testing.T) {
	m := connectedMemory(t)
	ctx := context.Background()

	if err := m.Write(ctx, "presence/u1", map[string]string{"status": "online"}); err != nil {
		t.Fatal(err)
	}
	if err := m.OnDisconnect(ctx, "presence/u1", map[string]any{"status": "offline"}); err != nil {
		t.Fatal(err)
	}
	if m.PendingCleanups() != 1 {
		t.Fatalf("pending cleanups = %d, want 1", m.PendingCleanups())
	}

	var connected []bool
	unsub := m.SubscribeValue(ConnectedPath, func(s Snapshot) { connected = append(connected, s.Bool()) })
	defer unsub()

	m.SetConnected(false)

	raw, _ := m.Get("presence/u1")
	var rec struct{ Status string }
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != "offline" {
		t.Errorf("status = %q, want offline after disconnect", rec.Status)
	}
	if m.PendingCleanups() != 0 {
		t.Errorf("pending cleanups = %d, want 0", m.PendingCleanups())
	}
	if len(connected) != 2 || !connected[0] || connected[1] {
		t.Errorf("connected signal = %v, want [true false]", connected)
	}
}

func TestMemoryCleanupsMergePerPath(t *testing.T) {
	m := connectedMemory(t)
	ctx := context.Background()

	if err := m.Write(ctx, "presence/u1", map[string]any{"status": "online", "lastSeen": 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.OnDisconnect(ctx, "presence/u1", map[string]any{"status": "offline", "lastSeen": 10, "page": "home"}); err != nil {
		t.Fatal(err)
	}
	if err := m.OnDisconnect(ctx, "presence/u1", map[string]any{"lastSeen": 20}); err != nil {
		t.Fatal(err)
	}
	if m.PendingCleanups() != 1 {
		t.Fatalf("pending cleanups = %d, want 1", m.PendingCleanups())
	}

	m.SetConnected(false)

	raw, _ := m.Get("presence/u1")
	var rec struct {
		Status   string
		LastSeen int64
		Page     string
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != "offline" || rec.LastSeen != 20 || rec.Page != "home" {
		t.Errorf("record after disconnect = %+v, want offline, lastSeen 20, page home", rec)
	}
}

func TestMemoryHookFailsOperation(t *testing.T) {
	m := connectedMemory(t)
	m.SetHook(func(kind OpKind, path string) error {
		if path == "secret" {
			return ErrPermissionDenied
		}
		return nil
	})
	err := m.Write(context.Background(), "secret", 1)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Write() error = %v, want ErrPermissionDenied", err)
	}
	if !IsPermanent(err) {
		t.Error("IsPermanent(ErrPermissionDenied) = false")
	}
	if err := m.Write(context.Background(), "public", 1); err != nil {
		t.Errorf("Write(public) error = %v", err)
	}
}

func TestAncestors(t *testing.T) {
	got := Ancestors("chats/a_b/messages/m1")
	want := []string{"chats/a_b/messages/m1", "chats/a_b/messages", "chats/a_b", "chats"}
	if len(got) != len(want) {
		t.Fatalf("Ancestors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ancestors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
