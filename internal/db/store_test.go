// Package db provides unit tests for store operations and batch application.
package db

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/models"
)

// setupTestDB creates an in-memory SQLite database with the full schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	migrator := NewMigrator(db)
	if err := migrator.Up(); err != nil {
		db.Close()
		t.Fatalf("Failed to migrate test schema: %v", err)
	}
	return db
}

func testImage(uuid string, updatedAt int64) *models.ImageRecord {
	return &models.ImageRecord{
		UUID:      models.UUID(uuid),
		Filename:  "photo.jpg",
		FileSize:  2048,
		Format:    "jpeg",
		Width:     800,
		Height:    600,
		MIMEType:  "image/jpeg",
		Hash:      "hash-" + uuid,
		PageCount: 1,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

// =====================================================
// ImageRecord Tests
// =====================================================

func TestCreateImage(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	rec := testImage("11111111-1111-4111-8111-111111111111", 100)
	if err := store.CreateImage(rec); err != nil {
		t.Fatalf("CreateImage failed: %v", err)
	}

	got, err := store.GetImage(rec.UUID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if got.Filename != rec.Filename {
		t.Errorf("Expected filename %s, got %s", rec.Filename, got.Filename)
	}
	if got.Width != 800 || got.Height != 600 {
		t.Errorf("Expected 800x600, got %dx%d", got.Width, got.Height)
	}
}

func TestCreateImageDuplicate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	rec := testImage("11111111-1111-4111-8111-111111111111", 100)
	if err := store.CreateImage(rec); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	err := store.CreateImage(testImage("11111111-1111-4111-8111-111111111111", 200))
	if !apperrors.Is(err, apperrors.ErrImageDuplicate) {
		t.Errorf("Expected IMAGE_DUPLICATE, got %v", err)
	}
}

func TestGetImageNotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	_, err := store.GetImage("22222222-2222-4222-8222-222222222222")
	if !apperrors.Is(err, apperrors.ErrImageNotFound) {
		t.Errorf("Expected IMAGE_NOT_FOUND, got %v", err)
	}
}

func TestTombstoneHidesFromReads(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	rec := testImage("11111111-1111-4111-8111-111111111111", 100)
	if err := store.CreateImage(rec); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := store.Tombstone(rec.UUID); err != nil {
		t.Fatalf("Tombstone failed: %v", err)
	}

	// Live reads must not see the record.
	if _, err := store.GetImage(rec.UUID); !apperrors.Is(err, apperrors.ErrImageNotFound) {
		t.Errorf("Expected IMAGE_NOT_FOUND after tombstone, got %v", err)
	}
	live, err := store.ListActive()
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("Expected 0 live records, got %d", len(live))
	}

	// The row itself survives for diffing.
	got, err := store.GetImageAny(rec.UUID)
	if err != nil {
		t.Fatalf("GetImageAny failed: %v", err)
	}
	if !got.IsDeleted() {
		t.Error("Expected record to be tombstoned")
	}
	all, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 record including tombstones, got %d", len(all))
	}
}

func TestTombstoneMissingRecord(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	err := store.Tombstone("33333333-3333-4333-8333-333333333333")
	if !apperrors.Is(err, apperrors.ErrImageNotFound) {
		t.Errorf("Expected IMAGE_NOT_FOUND, got %v", err)
	}
}

func TestPageDimensionsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	rec := testImage("11111111-1111-4111-8111-111111111111", 100)
	rec.PageCount = 2
	rec.PageDimensions = []models.PageDimension{
		{Width: 800, Height: 600},
		{Width: 400, Height: 300},
	}
	if err := store.CreateImage(rec); err != nil {
		t.Fatalf("CreateImage failed: %v", err)
	}

	got, err := store.GetImage(rec.UUID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if len(got.PageDimensions) != 2 {
		t.Fatalf("Expected 2 page dimensions, got %d", len(got.PageDimensions))
	}
	if got.PageDimensions[1].Width != 400 {
		t.Errorf("Expected second page width 400, got %d", got.PageDimensions[1].Width)
	}
}

// =====================================================
// ExtendedMetadata Tests
// =====================================================

func TestMetadataUpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	rec := testImage("11111111-1111-4111-8111-111111111111", 100)
	if err := store.CreateImage(rec); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	md := &models.ExtendedMetadata{
		ImageUUID:   rec.UUID,
		CameraMake:  "Fujifilm",
		CameraModel: "X-T5",
		ISO:         400,
		Extra:       map[string]string{"editor": "darktable"},
	}
	if err := store.UpsertMetadata(md); err != nil {
		t.Fatalf("UpsertMetadata failed: %v", err)
	}

	got, err := store.GetMetadata(rec.UUID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.CameraModel != "X-T5" {
		t.Errorf("Expected camera model X-T5, got %s", got.CameraModel)
	}
	if got.Extra["editor"] != "darktable" {
		t.Errorf("Expected extra map to round-trip, got %v", got.Extra)
	}

	// Second upsert replaces, never duplicates.
	md.ISO = 800
	if err := store.UpsertMetadata(md); err != nil {
		t.Fatalf("Second UpsertMetadata failed: %v", err)
	}
	got, err = store.GetMetadata(rec.UUID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.ISO != 800 {
		t.Errorf("Expected ISO 800 after upsert, got %d", got.ISO)
	}
}

func TestMetadataAbsentAndTombstoned(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	rec := testImage("11111111-1111-4111-8111-111111111111", 100)
	if err := store.CreateImage(rec); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	got, err := store.GetMetadata(rec.UUID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil metadata when none recorded, got %v", got)
	}

	md := &models.ExtendedMetadata{ImageUUID: rec.UUID, CameraMake: "Sony"}
	if err := store.UpsertMetadata(md); err != nil {
		t.Fatalf("UpsertMetadata failed: %v", err)
	}
	if err := store.Tombstone(rec.UUID); err != nil {
		t.Fatalf("Tombstone failed: %v", err)
	}

	got, err = store.GetMetadata(rec.UUID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got != nil {
		t.Error("Expected metadata of tombstoned image to read as absent")
	}
}

// =====================================================
// Batch Application Tests
// =====================================================

func TestApplyBatchAtomicity(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	muts := []Mutation{
		{Image: testImage("11111111-1111-4111-8111-111111111111", 100)},
		{}, // invalid mutation forces a rollback
	}
	cursor := &CursorUpdate{Sequence: 5, SyncTime: 100}

	if err := store.ApplyBatch(muts, cursor); err == nil {
		t.Fatal("Expected batch with invalid mutation to fail")
	}

	// Neither the record nor the cursor may survive the rollback.
	if _, err := store.GetImageAny("11111111-1111-4111-8111-111111111111"); !apperrors.Is(err, apperrors.ErrImageNotFound) {
		t.Errorf("Expected no record after rollback, got err=%v", err)
	}
	state, err := store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastAppliedSequence != 0 {
		t.Errorf("Expected cursor 0 after rollback, got %d", state.LastAppliedSequence)
	}
}

func TestApplyBatchImageMetadataPairRollsBack(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	const uuid = "11111111-1111-4111-8111-111111111111"
	muts := []Mutation{
		{Image: testImage(uuid, 100)},
		{Metadata: &models.ExtendedMetadata{ImageUUID: uuid, CameraMake: "Canon"}},
		{}, // invalid mutation forces a rollback
	}

	if err := store.ApplyBatch(muts, nil); err == nil {
		t.Fatal("Expected batch with invalid mutation to fail")
	}

	// The record touch and the metadata write roll back together.
	if _, err := store.GetImageAny(uuid); !apperrors.Is(err, apperrors.ErrImageNotFound) {
		t.Errorf("Expected no record after rollback, got err=%v", err)
	}
	md, err := store.GetMetadata(uuid)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if md != nil {
		t.Errorf("Expected no metadata after rollback, got %+v", md)
	}
}

func TestApplyBatchAdvancesCursorMonotonically(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	muts := []Mutation{{Image: testImage("11111111-1111-4111-8111-111111111111", 100)}}
	if err := store.ApplyBatch(muts, &CursorUpdate{Sequence: 7, SyncTime: 100}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// A stale cursor value must not move the cursor backwards.
	muts = []Mutation{{Image: testImage("44444444-4444-4444-8444-444444444444", 100)}}
	if err := store.ApplyBatch(muts, &CursorUpdate{Sequence: 3, SyncTime: 200}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	state, err := store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastAppliedSequence != 7 {
		t.Errorf("Expected cursor to stay at 7, got %d", state.LastAppliedSequence)
	}
}

func TestApplyBatchAnchorAdoptionResetsCursor(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	if err := store.ApplyBatch(nil, &CursorUpdate{Sequence: 50, SyncTime: 100}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// Adopting a new anchor restarts the sequence domain, so the cursor
	// resets instead of max-advancing.
	anchor := "anchor-b"
	if err := store.ApplyBatch(nil, &CursorUpdate{Sequence: 4, SyncTime: 200, AnchorID: &anchor}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	state, err := store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastAppliedSequence != 4 {
		t.Errorf("Expected cursor reset to 4, got %d", state.LastAppliedSequence)
	}
	if state.AnchorID != "anchor-b" {
		t.Errorf("Expected anchor anchor-b, got %s", state.AnchorID)
	}
}

func TestApplyBatchTombstoneForUnknownUUID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	// A deletion for a record never seen locally still leaves a diffable
	// tombstone row.
	muts := []Mutation{{Tombstone: "55555555-5555-4555-8555-555555555555", TombstoneAt: 123}}
	if err := store.ApplyBatch(muts, &CursorUpdate{Sequence: 1, SyncTime: 100}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	got, err := store.GetImageAny("55555555-5555-4555-8555-555555555555")
	if err != nil {
		t.Fatalf("GetImageAny failed: %v", err)
	}
	if !got.IsDeleted() {
		t.Error("Expected tombstone row for unknown uuid")
	}
	if got.DeletedAt != 123 {
		t.Errorf("Expected deleted_at 123, got %d", got.DeletedAt)
	}
}

// =====================================================
// Sync State Tests
// =====================================================

func TestSyncStateDefaults(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	state, err := store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastAppliedSequence != 0 || state.LastSyncTime != 0 || state.AnchorID != "" {
		t.Errorf("Expected zero-valued initial state, got %+v", state)
	}
}

func TestSetSyncStatePartialUpdate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	seq := int64(9)
	anchor := "anchor-a"
	if err := store.SetSyncState(models.SyncStateUpdate{
		LastAppliedSequence: &seq,
		AnchorID:            &anchor,
	}); err != nil {
		t.Fatalf("SetSyncState failed: %v", err)
	}

	// An update touching only the sync time leaves the rest alone.
	syncTime := int64(777)
	if err := store.SetSyncState(models.SyncStateUpdate{LastSyncTime: &syncTime}); err != nil {
		t.Fatalf("SetSyncState failed: %v", err)
	}

	state, err := store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastAppliedSequence != 9 {
		t.Errorf("Expected sequence 9, got %d", state.LastAppliedSequence)
	}
	if state.LastSyncTime != 777 {
		t.Errorf("Expected sync time 777, got %d", state.LastSyncTime)
	}
	if state.AnchorID != "anchor-a" {
		t.Errorf("Expected anchor anchor-a, got %s", state.AnchorID)
	}
}

// =====================================================
// Pending Change Tests
// =====================================================

func TestPendingChangeQueue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewStore(db)

	id := models.UUID("11111111-1111-4111-8111-111111111111")
	if err := store.EnqueuePendingChange(id, "create"); err != nil {
		t.Fatalf("EnqueuePendingChange failed: %v", err)
	}
	if err := store.EnqueuePendingChange(id, "update"); err != nil {
		t.Fatalf("EnqueuePendingChange failed: %v", err)
	}

	pending, err := store.ListPendingChanges()
	if err != nil {
		t.Fatalf("ListPendingChanges failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending changes, got %d", len(pending))
	}

	if err := store.ClearPendingChanges(id); err != nil {
		t.Fatalf("ClearPendingChanges failed: %v", err)
	}
	pending, err = store.ListPendingChanges()
	if err != nil {
		t.Fatalf("ListPendingChanges failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected empty queue after clear, got %d", len(pending))
	}
}
