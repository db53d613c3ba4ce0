// Package reconcile provides unit tests for fact and snapshot application.
package reconcile

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/pixmirror/internal/db"
	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/models"
)

func setupStore(t *testing.T) *db.Store {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := db.NewMigrator(conn).Up(); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
	return db.NewStore(conn)
}

func record(uuid string, updatedAt int64, filename string) *models.ImageRecord {
	return &models.ImageRecord{
		UUID:      models.UUID(uuid),
		Filename:  filename,
		Format:    "png",
		Width:     100,
		Height:    100,
		MIMEType:  "image/png",
		PageCount: 1,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

const uuidA = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
const uuidB = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"

func TestApplyFactsCreateThenUpdate(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	facts := []models.Fact{
		{Sequence: 1, Type: models.FactCreate, Timestamp: 100, Image: record(uuidA, 100, "v1.png")},
		{Sequence: 2, Type: models.FactUpdate, Timestamp: 200, Image: record(uuidA, 200, "v2.png")},
	}
	applied, err := r.ApplyFacts(facts)
	if err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("Expected 2 applied operations, got %d", len(applied))
	}

	got, err := store.GetImage(uuidA)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if got.Filename != "v2.png" {
		t.Errorf("Expected the later payload to win, got %s", got.Filename)
	}

	state, err := store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastAppliedSequence != 2 {
		t.Errorf("Expected cursor 2, got %d", state.LastAppliedSequence)
	}
}

func TestApplyFactsSortsBySequence(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	// Facts delivered out of order must still apply ascending.
	facts := []models.Fact{
		{Sequence: 2, Type: models.FactUpdate, Timestamp: 200, Image: record(uuidA, 200, "v2.png")},
		{Sequence: 1, Type: models.FactCreate, Timestamp: 100, Image: record(uuidA, 100, "v1.png")},
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}

	got, err := store.GetImage(uuidA)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if got.Filename != "v2.png" {
		t.Errorf("Expected sequence 2 payload to win, got %s", got.Filename)
	}
}

func TestApplyFactsLocalNewerWins(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	// Local edit at T300 beats an incoming fact at T200, but the cursor
	// still advances past the skipped fact.
	if err := store.CreateImage(record(uuidA, 300, "local.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	facts := []models.Fact{
		{Sequence: 5, Type: models.FactUpdate, Timestamp: 200, Image: record(uuidA, 200, "stale.png")},
	}
	applied, err := r.ApplyFacts(facts)
	if err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("Expected the stale fact to be a no-op, got %d applied", len(applied))
	}

	got, err := store.GetImage(uuidA)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if got.Filename != "local.png" {
		t.Errorf("Expected local payload kept, got %s", got.Filename)
	}

	state, _ := store.GetSyncState()
	if state.LastAppliedSequence != 5 {
		t.Errorf("Expected cursor to advance to 5 despite the no-op, got %d", state.LastAppliedSequence)
	}
}

func TestApplyFactsIncomingWinsTies(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	if err := store.CreateImage(record(uuidA, 200, "local.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	facts := []models.Fact{
		{Sequence: 1, Type: models.FactUpdate, Timestamp: 200, Image: record(uuidA, 200, "incoming.png")},
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}

	got, _ := store.GetImage(uuidA)
	if got.Filename != "incoming.png" {
		t.Errorf("Expected incoming payload to win the tie, got %s", got.Filename)
	}
}

func TestApplyFactsDeleteUnknownUUIDLeavesTombstone(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	facts := []models.Fact{
		{Sequence: 1, Type: models.FactDelete, Timestamp: 150, UUID: uuidB},
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}

	got, err := store.GetImageAny(uuidB)
	if err != nil {
		t.Fatalf("GetImageAny failed: %v", err)
	}
	if !got.IsDeleted() {
		t.Error("Expected tombstone for never-seen uuid")
	}
}

func TestApplyFactsDeleteLosesToNewerLocal(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	if err := store.CreateImage(record(uuidA, 500, "kept.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	facts := []models.Fact{
		{Sequence: 1, Type: models.FactDelete, Timestamp: 100, UUID: uuidA},
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}

	got, err := store.GetImage(uuidA)
	if err != nil {
		t.Fatalf("Expected record to survive stale delete: %v", err)
	}
	if got.IsDeleted() {
		t.Error("Expected record to stay live")
	}
}

func TestApplyFactsResurrectsTombstone(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	if err := store.CreateImage(record(uuidA, 100, "old.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := store.Tombstone(uuidA); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	// Incoming create for the same uuid, newer than the tombstone.
	tomb, _ := store.GetImageAny(uuidA)
	facts := []models.Fact{
		{Sequence: 1, Type: models.FactCreate, Timestamp: tomb.UpdatedAt + 10,
			Image: record(uuidA, tomb.UpdatedAt+10, "reborn.png")},
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}

	got, err := store.GetImage(uuidA)
	if err != nil {
		t.Fatalf("Expected record to be live again: %v", err)
	}
	if got.Filename != "reborn.png" {
		t.Errorf("Expected resurrected payload, got %s", got.Filename)
	}
}

func TestApplyFactsBatchAdvancesCursorOnce(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	batch := models.Fact{
		Sequence: 10,
		Type:     models.FactBatch,
		Facts: []models.Fact{
			{Type: models.FactCreate, Timestamp: 100, Image: record(uuidA, 100, "a.png")},
			{Type: models.FactCreate, Timestamp: 100, Image: record(uuidB, 100, "b.png")},
		},
	}
	applied, err := r.ApplyFacts([]models.Fact{batch})
	if err != nil {
		t.Fatalf("ApplyFacts failed: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("Expected 2 applied records from batch, got %d", len(applied))
	}
	for _, a := range applied {
		if a.Sequence != 10 {
			t.Errorf("Expected child operations to carry the batch sequence, got %d", a.Sequence)
		}
	}

	state, _ := store.GetSyncState()
	if state.LastAppliedSequence != 10 {
		t.Errorf("Expected cursor 10 after batch, got %d", state.LastAppliedSequence)
	}
}

func TestApplyFactsMalformedFact(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	facts := []models.Fact{{Sequence: 1, Type: models.FactCreate, Timestamp: 100}}
	_, err := r.ApplyFacts(facts)
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected VALIDATION_ERROR for create without payload, got %v", err)
	}

	state, _ := store.GetSyncState()
	if state.LastAppliedSequence != 0 {
		t.Errorf("Expected cursor untouched by rejected fact, got %d", state.LastAppliedSequence)
	}
}

func TestApplyFactsIdempotentReplay(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	facts := []models.Fact{
		{Sequence: 1, Type: models.FactCreate, Timestamp: 100, Image: record(uuidA, 100, "v1.png")},
		{Sequence: 2, Type: models.FactDelete, Timestamp: 200, UUID: uuidB},
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("First ApplyFacts failed: %v", err)
	}
	if _, err := r.ApplyFacts(facts); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	all, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 records after replay, got %d", len(all))
	}
	state, _ := store.GetSyncState()
	if state.LastAppliedSequence != 2 {
		t.Errorf("Expected cursor 2 after replay, got %d", state.LastAppliedSequence)
	}
}

// =====================================================
// Snapshot Tests
// =====================================================

func TestApplySnapshotConverges(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	// Local has A (stale) and B (only local, no pending write).
	if err := store.CreateImage(record(uuidA, 100, "stale.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := store.CreateImage(record(uuidB, 100, "local-only.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	entries := []models.SnapshotEntry{
		{Image: record(uuidA, 200, "fresh.png")},
	}
	if _, err := r.ApplySnapshot(entries, 42, "anchor-new"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	gotA, err := store.GetImage(uuidA)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if gotA.Filename != "fresh.png" {
		t.Errorf("Expected snapshot payload, got %s", gotA.Filename)
	}

	// B was never acknowledged remotely and has no pending write, so it is
	// tombstoned to converge with the authoritative state.
	if _, err := store.GetImage(uuidB); !apperrors.Is(err, apperrors.ErrImageNotFound) {
		t.Errorf("Expected local-only record to be tombstoned, got %v", err)
	}

	state, _ := store.GetSyncState()
	if state.LastAppliedSequence != 42 {
		t.Errorf("Expected cursor 42, got %d", state.LastAppliedSequence)
	}
	if state.AnchorID != "anchor-new" {
		t.Errorf("Expected anchor adopted, got %s", state.AnchorID)
	}
}

func TestApplySnapshotKeepsPendingLocals(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	if err := store.CreateImage(record(uuidB, 100, "unpushed.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := store.EnqueuePendingChange(uuidB, "create"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, err := r.ApplySnapshot(nil, 7, "anchor-new"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	got, err := store.GetImage(uuidB)
	if err != nil {
		t.Fatalf("Expected pending local record to survive: %v", err)
	}
	if got.IsDeleted() {
		t.Error("Expected pending local record to stay live for re-push")
	}
}

func TestApplySnapshotLocalNewerWins(t *testing.T) {
	store := setupStore(t)
	r := New(store)

	if err := store.CreateImage(record(uuidA, 500, "newer.png")); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	entries := []models.SnapshotEntry{
		{Image: record(uuidA, 200, "older.png")},
	}
	if _, err := r.ApplySnapshot(entries, 9, "anchor-new"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	got, _ := store.GetImage(uuidA)
	if got.Filename != "newer.png" {
		t.Errorf("Expected newer local payload kept, got %s", got.Filename)
	}
}
