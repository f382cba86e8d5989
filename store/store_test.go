package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chatwire/chatwire/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

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

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	db := testDB(t)

	msg := model.Message{
		ID: "m1", CID: "messaging:1", Text: "hello",
		User:      model.User{ID: "u1"},
		CreatedAt: t0, UpdatedAt: t0,
		Status: model.SyncNeeded,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.SelectMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message missing")
	}
	if got.Text != "hello" || got.Status != model.SyncNeeded || got.User.ID != "u1" {
		t.Errorf("round trip mangled message: %+v", got)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, t0)
	}
	if got.Deleted() {
		t.Error("zero deleted_at should stay zero")
	}
}

func TestSelectMessageMissingReturnsNil(t *testing.T) {
	db := testDB(t)
	got, err := db.SelectMessage("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

// The persisted copy follows the same last-writer-wins rule as channel
// state: a stale upsert must not clobber a newer row.
func TestUpsertMessageRejectsStaleUpdate(t *testing.T) {
	db := testDB(t)

	newer := model.Message{ID: "m1", CID: "messaging:1", Text: "edited", CreatedAt: t0, UpdatedAt: t0.Add(2 * time.Minute)}
	stale := model.Message{ID: "m1", CID: "messaging:1", Text: "original", CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)}

	if err := db.UpsertMessage(newer); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(stale); err != nil {
		t.Fatal(err)
	}

	got, err := db.SelectMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "edited" {
		t.Errorf("text = %q, stale write clobbered newer row", got.Text)
	}
}

func TestUpsertMessagePersistsTombstone(t *testing.T) {
	db := testDB(t)

	msg := model.Message{ID: "m1", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msg.UpdatedAt = t0.Add(time.Minute)
	msg.DeletedAt = t0.Add(time.Minute)
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.SelectMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted() {
		t.Error("tombstone not persisted")
	}
}

func TestSelectMessageIDsBySyncStatusOrdersOldestFirst(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"m3", "m1", "m2"} {
		created := t0.Add(time.Duration(3-i) * time.Minute) // m3 newest
		msg := model.Message{ID: id, CID: "messaging:1", CreatedAt: created, UpdatedAt: created, Status: model.SyncNeeded}
		if err := db.UpsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}
	done := model.Message{ID: "m4", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0, Status: model.SyncCompleted}
	if err := db.UpsertMessage(done); err != nil {
		t.Fatal(err)
	}

	ids, err := db.SelectMessageIDsBySyncStatus(model.SyncNeeded)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m2", "m1", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestUpdateMessageSyncStatus(t *testing.T) {
	db := testDB(t)

	msg := model.Message{ID: "m1", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0, Status: model.SyncNeeded}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageSyncStatus("m1", model.SyncFailedPermanently); err != nil {
		t.Fatal(err)
	}

	got, _ := db.SelectMessage("m1")
	if got.Status != model.SyncFailedPermanently {
		t.Errorf("status = %q", got.Status)
	}
}

// Marking a status must not advance updated_at: that column carries the
// server entity version and gates the upsert guard. A server refresh after
// a permanent failure has to get through.
func TestUpdateSyncStatusKeepsEntityVersion(t *testing.T) {
	db := testDB(t)

	msg := model.Message{ID: "m1", CID: "messaging:1", Text: "local",
		CreatedAt: t0, UpdatedAt: t0, Status: model.SyncNeeded}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageSyncStatus("m1", model.SyncFailedPermanently); err != nil {
		t.Fatal(err)
	}

	got, _ := db.SelectMessage("m1")
	if !got.UpdatedAt.Equal(t0) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, t0)
	}

	refreshed := msg
	refreshed.Text = "server copy"
	refreshed.UpdatedAt = t0.Add(time.Second)
	refreshed.Status = model.SyncCompleted
	if err := db.UpsertMessage(refreshed); err != nil {
		t.Fatal(err)
	}
	got, _ = db.SelectMessage("m1")
	if got.Text != "server copy" || got.Status != model.SyncCompleted {
		t.Errorf("server refresh rejected after status update: text=%q status=%q", got.Text, got.Status)
	}

	r := model.Reaction{ID: "r1", MessageID: "m1", CID: "messaging:1", Type: "like",
		UserID: "u1", CreatedAt: t0, UpdatedAt: t0, Status: model.SyncNeeded}
	if err := db.UpsertReaction(r); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateReactionSyncStatus("r1", model.SyncFailedPermanently); err != nil {
		t.Fatal(err)
	}
	gotR, _ := db.SelectReaction("r1")
	if !gotR.UpdatedAt.Equal(t0) {
		t.Errorf("reaction updated_at = %v, want %v", gotR.UpdatedAt, t0)
	}
}

// Retention sweeps only remove tombstones whose deletion has been pushed.
func TestSweepTombstonesKeepsDirtyAndRecent(t *testing.T) {
	db := testDB(t)

	expired := model.Message{ID: "m1", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0,
		DeletedAt: t0, Status: model.SyncCompleted}
	dirty := model.Message{ID: "m2", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0,
		DeletedAt: t0, Status: model.SyncNeeded}
	recent := model.Message{ID: "m3", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0.Add(2 * time.Hour),
		DeletedAt: t0.Add(2 * time.Hour), Status: model.SyncCompleted}
	for _, m := range []model.Message{expired, dirty, recent} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.SweepTombstones(t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if got, _ := db.SelectMessage("m1"); got != nil {
		t.Error("expired synced tombstone should be gone")
	}
	if got, _ := db.SelectMessage("m2"); got == nil {
		t.Error("dirty tombstone must survive until pushed")
	}
	if got, _ := db.SelectMessage("m3"); got == nil {
		t.Error("recent tombstone must survive")
	}
}

func TestListMessagesPaginates(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		created := t0.Add(time.Duration(i) * time.Minute)
		msg := model.Message{ID: string(rune('a' + i)), CID: "messaging:1", CreatedAt: created, UpdatedAt: created}
		if err := db.UpsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("messaging:1", time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "e" || page[1].ID != "d" {
		t.Fatalf("first page = %v", page)
	}

	next, err := db.ListMessages("messaging:1", page[1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 2 || next[0].ID != "c" {
		t.Fatalf("second page = %v", next)
	}
}

func TestChannelRoundTripAndRecoveryFlag(t *testing.T) {
	db := testDB(t)

	ch := model.Channel{CID: "messaging:1", Type: "messaging", ID: "1", Name: "general", CreatedAt: t0, UpdatedAt: t0, Status: model.SyncNeeded}
	if err := db.UpsertChannel(ch); err != nil {
		t.Fatal(err)
	}

	got, err := db.SelectChannel("messaging:1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "general" || got.Status != model.SyncNeeded {
		t.Fatalf("round trip mangled channel: %+v", got)
	}

	if err := db.SetChannelRecoveryNeeded("messaging:1", true); err != nil {
		t.Fatal(err)
	}
	got, _ = db.SelectChannel("messaging:1")
	if !got.RecoveryNeeded {
		t.Error("recovery flag not persisted")
	}
}

func TestSelectChannelIDsNeedingSync(t *testing.T) {
	db := testDB(t)

	dirty := model.Channel{CID: "messaging:1", Type: "messaging", ID: "1", Status: model.SyncNeeded, CreatedAt: t0, UpdatedAt: t0}
	clean := model.Channel{CID: "messaging:2", Type: "messaging", ID: "2", Status: model.SyncCompleted, CreatedAt: t0, UpdatedAt: t0}
	flagged := model.Channel{CID: "messaging:3", Type: "messaging", ID: "3", Status: model.SyncCompleted, RecoveryNeeded: true, CreatedAt: t0, UpdatedAt: t0}
	for _, ch := range []model.Channel{dirty, clean, flagged} {
		if err := db.UpsertChannel(ch); err != nil {
			t.Fatal(err)
		}
	}

	cids, err := db.SelectChannelIDsNeedingSync()
	if err != nil {
		t.Fatal(err)
	}
	if len(cids) != 2 {
		t.Fatalf("cids = %v, want dirty and flagged", cids)
	}
	seen := map[string]bool{}
	for _, cid := range cids {
		seen[cid] = true
	}
	if !seen["messaging:1"] || !seen["messaging:3"] {
		t.Errorf("cids = %v", cids)
	}
}

func TestReactionLifecycle(t *testing.T) {
	db := testDB(t)

	r := model.Reaction{ID: "r1", MessageID: "m1", CID: "messaging:1", Type: "like", UserID: "u1", CreatedAt: t0, UpdatedAt: t0, Status: model.SyncNeeded}
	if err := db.UpsertReaction(r); err != nil {
		t.Fatal(err)
	}

	ids, err := db.SelectReactionIDsBySyncStatus(model.SyncNeeded)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("ids = %v", ids)
	}

	if err := db.UpdateReactionSyncStatus("r1", model.SyncCompleted); err != nil {
		t.Fatal(err)
	}
	got, err := db.SelectReaction("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SyncCompleted {
		t.Errorf("status = %q", got.Status)
	}

	if err := db.DeleteReaction("r1"); err != nil {
		t.Fatal(err)
	}
	got, err = db.SelectReaction("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("reaction should be gone")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := testDB(t)

	got, err := db.GetCheckpoint(CheckpointLastSyncedAt)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("missing checkpoint = %q, want empty", got)
	}

	if err := db.SetCheckpoint(CheckpointLastSyncedAt, "2025-06-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(CheckpointLastSyncedAt, "2025-06-01T13:00:00Z"); err != nil {
		t.Fatal(err)
	}

	got, err = db.GetCheckpoint(CheckpointLastSyncedAt)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2025-06-01T13:00:00Z" {
		t.Errorf("checkpoint = %q", got)
	}
}

func TestClearWipesEverything(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertChannel(model.Channel{CID: "messaging:1", Type: "messaging", ID: "1", CreatedAt: t0, UpdatedAt: t0})
	_ = db.UpsertMessage(model.Message{ID: "m1", CID: "messaging:1", CreatedAt: t0, UpdatedAt: t0})
	_ = db.SetCheckpoint(CheckpointLastSyncedAt, "x")

	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}

	if ch, _ := db.SelectChannel("messaging:1"); ch != nil {
		t.Error("channel survived Clear")
	}
	if m, _ := db.SelectMessage("m1"); m != nil {
		t.Error("message survived Clear")
	}
	if v, _ := db.GetCheckpoint(CheckpointLastSyncedAt); v != "" {
		t.Error("checkpoint survived Clear")
	}
}
