// Package db provides CRUD store operations for PixMirror data models.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/models"
)

// Store provides durable, transactional storage of image records, extended
// metadata, and sync bookkeeping. It is the single consistency boundary: all
// mutation paths (local edits, reconciliation, batch application) funnel
// through it. The store does not emit events; notification is the sync
// engine's concern.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const imageColumns = `uuid, filename, file_size, format, width, height, mime_type, hash,
	is_corrupted, page_count, page_dimensions, created_at, updated_at, deleted_at`

// =====================================================
// ImageRecord Operations
// =====================================================

// CreateImage inserts a new image record and fails on a duplicate UUID.
// A duplicate here indicates a logic error upstream, not something to retry.
func (s *Store) CreateImage(rec *models.ImageRecord) error {
	if rec.UUID == "" {
		return apperrors.New(apperrors.ErrValidation, "image record requires a uuid")
	}
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}
	if rec.PageCount == 0 {
		rec.PageCount = 1
	}

	pages, err := rec.MarshalPageDimensions()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid page dimensions", err)
	}

	query := `
	INSERT INTO images (` + imageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query, rec.UUID, rec.Filename, rec.FileSize, rec.Format,
		rec.Width, rec.Height, rec.MIMEType, rec.Hash, rec.IsCorrupted,
		rec.PageCount, pages, rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return apperrors.Wrap(apperrors.ErrImageDuplicate,
				fmt.Sprintf("image already exists: %s", rec.UUID), err)
		}
		return apperrors.Wrap(apperrors.ErrStorage, "failed to create image", err)
	}
	return nil
}

// UpsertImage creates or replaces an image record keyed by UUID.
func (s *Store) UpsertImage(rec *models.ImageRecord) error {
	return s.upsertImageExec(s.db, rec)
}

// execer abstracts *sql.DB and *sql.Tx for mutations shared between single
// writes and batch application.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) upsertImageExec(e execer, rec *models.ImageRecord) error {
	if rec.UUID == "" {
		return apperrors.New(apperrors.ErrValidation, "image record requires a uuid")
	}
	if rec.PageCount == 0 {
		rec.PageCount = 1
	}

	pages, err := rec.MarshalPageDimensions()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid page dimensions", err)
	}

	query := `
	INSERT INTO images (` + imageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		filename = excluded.filename,
		file_size = excluded.file_size,
		format = excluded.format,
		width = excluded.width,
		height = excluded.height,
		mime_type = excluded.mime_type,
		hash = excluded.hash,
		is_corrupted = excluded.is_corrupted,
		page_count = excluded.page_count,
		page_dimensions = excluded.page_dimensions,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`
	_, err = e.Exec(query, rec.UUID, rec.Filename, rec.FileSize, rec.Format,
		rec.Width, rec.Height, rec.MIMEType, rec.Hash, rec.IsCorrupted,
		rec.PageCount, pages, rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to upsert image", err)
	}
	return nil
}

func scanImage(scan func(dest ...interface{}) error) (*models.ImageRecord, error) {
	var rec models.ImageRecord
	var pages string
	err := scan(&rec.UUID, &rec.Filename, &rec.FileSize, &rec.Format,
		&rec.Width, &rec.Height, &rec.MIMEType, &rec.Hash, &rec.IsCorrupted,
		&rec.PageCount, &pages, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := rec.UnmarshalPageDimensions(pages); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt page dimensions", err)
	}
	return &rec, nil
}

// GetImage retrieves a live (non-tombstoned) image record by UUID.
func (s *Store) GetImage(id models.UUID) (*models.ImageRecord, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE uuid = ? AND deleted_at = 0`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rec, err := scanImage(stmt.QueryRow(id).Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrImageNotFound, fmt.Sprintf("image not found: %s", id))
	}
	return rec, err
}

// GetImageAny retrieves an image record by UUID including tombstones.
// Reconciliation needs tombstones to be visible for diffing.
func (s *Store) GetImageAny(id models.UUID) (*models.ImageRecord, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE uuid = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rec, err := scanImage(stmt.QueryRow(id).Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrImageNotFound, fmt.Sprintf("image not found: %s", id))
	}
	return rec, err
}

func (s *Store) listImages(query string) ([]*models.ImageRecord, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list images", err)
	}
	defer rows.Close()

	var records []*models.ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ListActive returns all live image records, excluding tombstones.
func (s *Store) ListActive() ([]*models.ImageRecord, error) {
	return s.listImages(`SELECT ` + imageColumns + ` FROM images WHERE deleted_at = 0 ORDER BY created_at DESC`)
}

// ListAll returns every image record including tombstones, as required for
// diffing against an authoritative snapshot.
func (s *Store) ListAll() ([]*models.ImageRecord, error) {
	return s.listImages(`SELECT ` + imageColumns + ` FROM images ORDER BY created_at DESC`)
}

// Tombstone logically deletes an image record. The row is retained so the
// deletion can be diffed and propagated; it is never physically removed by
// the sync path.
func (s *Store) Tombstone(id models.UUID) error {
	now := time.Now().Unix()
	query := `UPDATE images SET deleted_at = ?, updated_at = ? WHERE uuid = ? AND deleted_at = 0`
	result, err := s.db.Exec(query, now, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to tombstone image", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrImageNotFound, fmt.Sprintf("image not found: %s", id))
	}
	return nil
}

// =====================================================
// ExtendedMetadata Operations
// =====================================================

// UpsertMetadata creates or replaces the extended metadata companion of an
// image. At most one record exists per UUID; writes replace on conflict.
func (s *Store) UpsertMetadata(md *models.ExtendedMetadata) error {
	return s.upsertMetadataExec(s.db, md)
}

func (s *Store) upsertMetadataExec(e execer, md *models.ExtendedMetadata) error {
	if md.ImageUUID == "" {
		return apperrors.New(apperrors.ErrValidation, "metadata requires an image uuid")
	}

	extra, err := md.MarshalExtra()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid metadata extra map", err)
	}

	query := `
	INSERT INTO image_metadata (uuid, camera_make, camera_model, lens_model, iso, aperture,
		shutter_speed, focal_length, orientation, latitude, longitude, captured_at, extra)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		camera_make = excluded.camera_make,
		camera_model = excluded.camera_model,
		lens_model = excluded.lens_model,
		iso = excluded.iso,
		aperture = excluded.aperture,
		shutter_speed = excluded.shutter_speed,
		focal_length = excluded.focal_length,
		orientation = excluded.orientation,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		captured_at = excluded.captured_at,
		extra = excluded.extra
	`
	_, err = e.Exec(query, md.ImageUUID, md.CameraMake, md.CameraModel, md.LensModel,
		md.ISO, md.Aperture, md.ShutterSpeed, md.FocalLength, md.Orientation,
		md.Latitude, md.Longitude, md.CapturedAt, extra)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to upsert metadata", err)
	}
	return nil
}

// GetMetadata retrieves extended metadata by image UUID, or nil when none
// has been recorded. Metadata of a tombstoned image is treated as absent.
func (s *Store) GetMetadata(id models.UUID) (*models.ExtendedMetadata, error) {
	query := `
	SELECT m.uuid, m.camera_make, m.camera_model, m.lens_model, m.iso, m.aperture,
		   m.shutter_speed, m.focal_length, m.orientation, m.latitude, m.longitude,
		   m.captured_at, m.extra
	FROM image_metadata m
	JOIN images i ON i.uuid = m.uuid
	WHERE m.uuid = ? AND i.deleted_at = 0
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var md models.ExtendedMetadata
	var extra string
	err = stmt.QueryRow(id).Scan(&md.ImageUUID, &md.CameraMake, &md.CameraModel,
		&md.LensModel, &md.ISO, &md.Aperture, &md.ShutterSpeed, &md.FocalLength,
		&md.Orientation, &md.Latitude, &md.Longitude, &md.CapturedAt, &extra)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query metadata", err)
	}
	if err := md.UnmarshalExtra(extra); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt metadata extra map", err)
	}
	return &md, nil
}

// =====================================================
// Batch Application
// =====================================================

// Mutation is one element of a batch application. Exactly one of Image,
// Metadata or Tombstone should be set.
type Mutation struct {
	Image     *models.ImageRecord
	Metadata  *models.ExtendedMetadata
	Tombstone models.UUID
	// TombstoneAt is the deletion timestamp used with Tombstone; it also
	// becomes the record's updated_at for later LWW comparison.
	TombstoneAt int64
}

// CursorUpdate advances the sync bookkeeping atomically with a batch.
// AnchorID, when non-nil, adopts a new anchor identity in the same
// transaction (full resync).
type CursorUpdate struct {
	Sequence int64
	SyncTime int64
	AnchorID *string
}

// ApplyBatch applies every mutation within a single transaction: either all
// records in the batch are applied or none are. When cursor is non-nil the
// sync_state row advances in the same transaction, and only forward, so a
// crash mid-sync leaves the cursor at the last fully-applied point.
func (s *Store) ApplyBatch(muts []Mutation, cursor *CursorUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin batch transaction", err)
	}
	defer tx.Rollback()

	for _, mut := range muts {
		switch {
		case mut.Image != nil:
			if err := s.upsertImageExec(tx, mut.Image); err != nil {
				return err
			}
		case mut.Metadata != nil:
			if err := s.upsertMetadataExec(tx, mut.Metadata); err != nil {
				return err
			}
		case mut.Tombstone != "":
			// Insert-or-update so a delete fact for a record never seen
			// locally still leaves a diffable tombstone.
			query := `
			INSERT INTO images (uuid, filename, created_at, updated_at, deleted_at)
			VALUES (?, '', ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				deleted_at = excluded.deleted_at,
				updated_at = excluded.updated_at
			`
			at := mut.TombstoneAt
			if at == 0 {
				at = time.Now().Unix()
			}
			if _, err := tx.Exec(query, mut.Tombstone, at, at, at); err != nil {
				return apperrors.Wrap(apperrors.ErrStorage, "failed to tombstone in batch", err)
			}
		default:
			return apperrors.New(apperrors.ErrValidation, "empty mutation in batch")
		}
	}

	if cursor != nil {
		if cursor.AnchorID != nil {
			// Adopting a new anchor means the sequence domain restarted;
			// the cursor is reset, not advanced monotonically.
			query := `
			UPDATE sync_state
			SET last_applied_sequence = ?, last_sync_time = ?, anchor_id = ?
			WHERE id = 1
			`
			if _, err := tx.Exec(query, cursor.Sequence, cursor.SyncTime, *cursor.AnchorID); err != nil {
				return apperrors.Wrap(apperrors.ErrStorage, "failed to adopt new anchor", err)
			}
		} else {
			query := `
			UPDATE sync_state
			SET last_applied_sequence = max(last_applied_sequence, ?),
				last_sync_time = ?
			WHERE id = 1
			`
			if _, err := tx.Exec(query, cursor.Sequence, cursor.SyncTime); err != nil {
				return apperrors.Wrap(apperrors.ErrStorage, "failed to advance sync cursor", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit batch", err)
	}
	return nil
}

// =====================================================
// SyncState Operations
// =====================================================

// GetSyncState reads the singleton sync bookkeeping row.
func (s *Store) GetSyncState() (*models.SyncState, error) {
	query := `SELECT last_applied_sequence, last_sync_time, anchor_id FROM sync_state WHERE id = 1`
	var state models.SyncState
	err := s.db.QueryRow(query).Scan(&state.LastAppliedSequence, &state.LastSyncTime, &state.AnchorID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read sync state", err)
	}
	return &state, nil
}

// SetSyncState partially updates the singleton row; nil fields are left
// untouched. The sequence cursor only moves forward.
func (s *Store) SetSyncState(update models.SyncStateUpdate) error {
	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)

	if update.LastAppliedSequence != nil {
		sets = append(sets, "last_applied_sequence = max(last_applied_sequence, ?)")
		args = append(args, *update.LastAppliedSequence)
	}
	if update.LastSyncTime != nil {
		sets = append(sets, "last_sync_time = ?")
		args = append(args, *update.LastSyncTime)
	}
	if update.AnchorID != nil {
		sets = append(sets, "anchor_id = ?")
		args = append(args, *update.AnchorID)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sync_state SET " + strings.Join(sets, ", ") + " WHERE id = 1"
	if _, err := s.db.Exec(query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to update sync state", err)
	}
	return nil
}

// =====================================================
// PendingChange Operations
// =====================================================

// EnqueuePendingChange records a local write awaiting remote acknowledgement.
func (s *Store) EnqueuePendingChange(id models.UUID, op string) error {
	query := `INSERT INTO pending_changes (image_uuid, op, queued_at) VALUES (?, ?, ?)`
	if _, err := s.db.Exec(query, id, op, time.Now().Unix()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to enqueue pending change", err)
	}
	return nil
}

// ListPendingChanges returns unacknowledged local writes in queue order.
func (s *Store) ListPendingChanges() ([]*models.PendingChange, error) {
	query := `SELECT change_id, image_uuid, op, queued_at FROM pending_changes ORDER BY change_id`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list pending changes", err)
	}
	defer rows.Close()

	var changes []*models.PendingChange
	for rows.Next() {
		var c models.PendingChange
		if err := rows.Scan(&c.ChangeID, &c.ImageUUID, &c.Op, &c.QueuedAt); err != nil {
			return nil, err
		}
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

// ClearPendingChanges removes all pending entries for an image once the
// remote has acknowledged its latest state.
func (s *Store) ClearPendingChanges(id models.UUID) error {
	if _, err := s.db.Exec(`DELETE FROM pending_changes WHERE image_uuid = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to clear pending changes", err)
	}
	return nil
}
