// Package images provides the application-facing service for managing
// image records: ingesting files, editing records and metadata, and
// pushing local changes to the authoritative store.
package images

import (
	"context"
	"io"
	"time"

	"github.com/kimhsiao/pixmirror/internal/db"
	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/logging"
	"github.com/kimhsiao/pixmirror/internal/media"
	"github.com/kimhsiao/pixmirror/internal/models"
	syncpkg "github.com/kimhsiao/pixmirror/internal/sync"
	"github.com/kimhsiao/pixmirror/internal/uuid"
)

// Service coordinates local writes with remote submission. Every write
// lands locally first and is queued durably; remote push failures from
// transport trouble are tolerated and retried later.
type Service struct {
	store  db.SyncStore
	engine syncpkg.EngineInterface
}

// NewService creates an image Service.
func NewService(store db.SyncStore, engine syncpkg.EngineInterface) *Service {
	return &Service{store: store, engine: engine}
}

// Ingest probes the file, stores a new record locally and pushes it to
// the authoritative store. A file already present (same content hash on
// a live record) is rejected as a duplicate. Undecodable image files
// are kept with the corrupted flag set.
func (s *Service) Ingest(ctx context.Context, filename string, r io.Reader) (*models.ImageRecord, error) {
	info, err := media.Probe(r)
	if err != nil {
		return nil, err
	}

	if dup, err := s.findByHash(info.Hash); err != nil {
		return nil, err
	} else if dup != nil {
		return nil, apperrors.New(apperrors.ErrImageDuplicate,
			"image already exists: "+dup.UUID.String())
	}

	now := time.Now().Unix()
	rec := &models.ImageRecord{
		UUID:           models.UUID(uuid.New()),
		Filename:       filename,
		FileSize:       info.FileSize,
		Format:         info.Format,
		Width:          info.Width,
		Height:         info.Height,
		MIMEType:       info.MIMEType,
		Hash:           info.Hash,
		IsCorrupted:    info.Corrupted,
		PageCount:      info.PageCount,
		PageDimensions: info.PageDims,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateImage(rec); err != nil {
		return nil, err
	}
	if err := s.store.EnqueuePendingChange(rec.UUID, "create"); err != nil {
		return nil, err
	}

	if err := s.push(ctx, syncpkg.WriteCreate, rec, nil); err != nil {
		if apperrors.IsTransient(err) {
			logging.Warn("remote push deferred, change kept pending", map[string]interface{}{
				"uuid":  rec.UUID.String(),
				"error": err.Error(),
			})
			return rec, nil
		}
		return rec, err
	}
	return rec, nil
}

// UpdateImage saves edits to an existing record and pushes them.
func (s *Service) UpdateImage(ctx context.Context, rec *models.ImageRecord) error {
	existing, err := s.store.GetImage(rec.UUID)
	if err != nil {
		return err
	}
	rec.CreatedAt = existing.CreatedAt
	rec.Touch()

	if err := s.store.UpsertImage(rec); err != nil {
		return err
	}
	if err := s.store.EnqueuePendingChange(rec.UUID, "update"); err != nil {
		return err
	}
	return s.deferTransient(rec.UUID, s.push(ctx, syncpkg.WriteUpdate, rec, nil))
}

// DeleteImage tombstones a record locally and pushes the deletion.
func (s *Service) DeleteImage(ctx context.Context, id models.UUID) error {
	if err := s.store.Tombstone(id); err != nil {
		return err
	}
	if err := s.store.EnqueuePendingChange(id, "delete"); err != nil {
		return err
	}
	req := &syncpkg.WriteRequest{Kind: syncpkg.WriteDelete, UUID: id}
	return s.deferTransient(id, s.submit(ctx, req))
}

// GetImage returns a live record by UUID.
func (s *Service) GetImage(id models.UUID) (*models.ImageRecord, error) {
	return s.store.GetImage(id)
}

// ListImages returns all live records, tombstones excluded.
func (s *Service) ListImages() ([]*models.ImageRecord, error) {
	return s.store.ListActive()
}

// GetExtendedMetadata returns the metadata companion for a live image,
// or nil when none has been recorded.
func (s *Service) GetExtendedMetadata(id models.UUID) (*models.ExtendedMetadata, error) {
	return s.store.GetMetadata(id)
}

// SetExtendedMetadata saves the metadata companion and pushes it
// together with the owning record.
func (s *Service) SetExtendedMetadata(ctx context.Context, md *models.ExtendedMetadata) error {
	rec, err := s.store.GetImage(md.ImageUUID)
	if err != nil {
		return err
	}
	rec.Touch()

	// One transaction: a touched record must never outlive its metadata
	// write.
	muts := []db.Mutation{{Image: rec}, {Metadata: md}}
	if err := s.store.ApplyBatch(muts, nil); err != nil {
		return err
	}
	if err := s.store.EnqueuePendingChange(rec.UUID, "update"); err != nil {
		return err
	}
	return s.deferTransient(rec.UUID, s.push(ctx, syncpkg.WriteUpdate, rec, md))
}

// FlushPending re-submits every queued local change that never reached
// the authoritative store. Returns how many were pushed.
func (s *Service) FlushPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingChanges()
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, change := range pending {
		rec, err := s.store.GetImageAny(change.ImageUUID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrImageNotFound) {
				continue
			}
			return pushed, err
		}

		req := &syncpkg.WriteRequest{UUID: rec.UUID}
		if rec.IsDeleted() {
			req.Kind = syncpkg.WriteDelete
		} else {
			req.Kind = syncpkg.WriteCreate
			req.Image = rec
			if md, err := s.store.GetMetadata(rec.UUID); err == nil && md != nil {
				req.Metadata = md
			}
		}

		if err := s.submit(ctx, req); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// push submits a write for rec, retrying through conflict resolution.
func (s *Service) push(ctx context.Context, kind syncpkg.WriteKind, rec *models.ImageRecord, md *models.ExtendedMetadata) error {
	req := &syncpkg.WriteRequest{Kind: kind, UUID: rec.UUID, Image: rec, Metadata: md}
	return s.submit(ctx, req)
}

func (s *Service) submit(ctx context.Context, req *syncpkg.WriteRequest) error {
	return s.engine.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.engine.SubmitWrite(ctx, req)
		return err
	})
}

// deferTransient downgrades transport failures to a warning; the change
// stays in the pending queue for a later FlushPending or resync.
func (s *Service) deferTransient(id models.UUID, err error) error {
	if err == nil || !apperrors.IsTransient(err) {
		return err
	}
	logging.Warn("remote push deferred, change kept pending", map[string]interface{}{
		"uuid":  id.String(),
		"error": err.Error(),
	})
	return nil
}

func (s *Service) findByHash(hash string) (*models.ImageRecord, error) {
	recs, err := s.store.ListActive()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Hash == hash {
			return rec, nil
		}
	}
	return nil, nil
}
