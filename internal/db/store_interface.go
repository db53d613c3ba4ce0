// Package db provides store interfaces for PixMirror data models.
package db

import (
	"github.com/kimhsiao/pixmirror/internal/models"
)

// ImageStore defines operations for image record persistence.
type ImageStore interface {
	// CreateImage inserts a new image record, failing on duplicate UUID.
	CreateImage(rec *models.ImageRecord) error

	// UpsertImage creates or replaces an image record keyed by UUID.
	UpsertImage(rec *models.ImageRecord) error

	// GetImage retrieves a live image record by UUID.
	GetImage(id models.UUID) (*models.ImageRecord, error)

	// GetImageAny retrieves a record by UUID, tombstones included.
	GetImageAny(id models.UUID) (*models.ImageRecord, error)

	// ListActive returns all live records.
	ListActive() ([]*models.ImageRecord, error)

	// ListAll returns all records including tombstones.
	ListAll() ([]*models.ImageRecord, error)

	// Tombstone logically deletes a record.
	Tombstone(id models.UUID) error
}

// MetadataStore defines operations for extended metadata persistence.
type MetadataStore interface {
	// UpsertMetadata creates or replaces an image's metadata companion.
	UpsertMetadata(md *models.ExtendedMetadata) error

	// GetMetadata retrieves metadata by image UUID.
	GetMetadata(id models.UUID) (*models.ExtendedMetadata, error)
}

// SyncStore combines the operations the sync engine and reconciler need:
// batch application with atomic cursor advance, sync bookkeeping, and the
// pending change queue.
type SyncStore interface {
	ImageStore
	MetadataStore

	// ApplyBatch applies mutations all-or-nothing, optionally advancing
	// the sync cursor in the same transaction.
	ApplyBatch(muts []Mutation, cursor *CursorUpdate) error

	// GetSyncState reads the singleton bookkeeping row.
	GetSyncState() (*models.SyncState, error)

	// SetSyncState partially updates the singleton bookkeeping row.
	SetSyncState(update models.SyncStateUpdate) error

	// EnqueuePendingChange records a local write awaiting acknowledgement.
	EnqueuePendingChange(id models.UUID, op string) error

	// ListPendingChanges returns unacknowledged local writes.
	ListPendingChanges() ([]*models.PendingChange, error)

	// ClearPendingChanges removes acknowledged entries for an image.
	ClearPendingChanges(id models.UUID) error
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ ImageStore    = (*Store)(nil)
	_ MetadataStore = (*Store)(nil)
	_ SyncStore     = (*Store)(nil)
)
