package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	db := testDB(t)

	d := &DeadLetter{
		ID:         "op-1",
		Queue:      "messages",
		Payload:    json.RawMessage(`{"op":"send"}`),
		Attempts:   6,
		LastError:  "transient network error",
		EnqueuedAt: 1000,
		FailedAt:   2000,
	}
	if err := db.SaveDeadLetter(d); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDeadLetter(&DeadLetter{ID: "op-2", Queue: "activities", Payload: json.RawMessage(`{}`), FailedAt: 3000}); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListDeadLetters("messages", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(got))
	}
	if got[0].Attempts != 6 || string(got[0].Payload) != `{"op":"send"}` {
		t.Errorf("dead letter = %+v", got[0])
	}

	all, err := db.ListDeadLetters("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "op-1" {
		t.Errorf("all = %+v, want op-1 then op-2", all)
	}

	counts, err := db.CountDeadLetters()
	if err != nil {
		t.Fatal(err)
	}
	if counts["messages"] != 1 || counts["activities"] != 1 {
		t.Errorf("counts = %v", counts)
	}

	if ok, err := db.DeleteDeadLetter("op-1"); err != nil || !ok {
		t.Fatalf("DeleteDeadLetter() = %v, %v", ok, err)
	}
	if ok, _ := db.DeleteDeadLetter("op-1"); ok {
		t.Error("second DeleteDeadLetter() reported a deletion")
	}
	got, _ = db.ListDeadLetters("messages", 10)
	if len(got) != 0 {
		t.Errorf("got %d after delete, want 0", len(got))
	}
}

// TestSaveDeadLetterKeepsLatestFailure verifies re-saving an ID updates the
// failure details instead of failing on the primary key.
func TestSaveDeadLetterKeepsLatestFailure(t *testing.T) {
	db := testDB(t)
	d := &DeadLetter{ID: "op", Queue: "messages", Payload: json.RawMessage(`{}`), Attempts: 1, LastError: "first", FailedAt: 1}
	if err := db.SaveDeadLetter(d); err != nil {
		t.Fatal(err)
	}
	d.Attempts, d.LastError, d.FailedAt = 3, "second", 2
	if err := db.SaveDeadLetter(d); err != nil {
		t.Fatal(err)
	}
	got, _ := db.ListDeadLetters("messages", 10)
	if len(got) != 1 || got[0].LastError != "second" || got[0].Attempts != 3 {
		t.Errorf("got %+v, want single entry with latest failure", got)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.Checkpoint("outbox.messages.last_drain"); err != nil || ok {
		t.Fatalf("Checkpoint(missing) = ok %v err %v, want false nil", ok, err)
	}
	if err := db.SetCheckpoint("outbox.messages.last_drain", "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("outbox.messages.last_drain", "2000"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint("outbox.messages.last_drain")
	if err != nil || !ok || v != "2000" {
		t.Errorf("Checkpoint = %q %v %v, want 2000 true nil", v, ok, err)
	}
}
