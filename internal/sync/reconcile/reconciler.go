// Package reconcile computes and applies the local store mutations needed
// to converge the local mirror with the authoritative state.
//
// Conflicts with local edits are resolved last-write-wins by timestamp at
// record granularity: a local record strictly newer than the incoming fact
// is kept (the fact is a no-op for that record, though the cursor still
// advances); otherwise the incoming fact wins, ties included.
package reconcile

import (
	"sort"
	"time"

	"github.com/kimhsiao/pixmirror/internal/db"
	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/logging"
	"github.com/kimhsiao/pixmirror/internal/models"
)

// Applied describes one record mutation performed during reconciliation.
type Applied struct {
	UUID     models.UUID
	Op       string
	Sequence int64
}

// Reconciler applies authoritative facts and snapshots to the local store.
type Reconciler struct {
	store db.SyncStore
}

// New creates a Reconciler over the given store.
func New(store db.SyncStore) *Reconciler {
	return &Reconciler{store: store}
}

// ApplyFacts applies facts in strictly ascending sequence order. Each
// top-level fact is one store transaction that also advances the cursor to
// the fact's sequence; a batch fact expands to its children, applied
// together, with the cursor advanced once to the batch's own sequence.
//
// Re-applying the same range is safe: mutations are upserts and the cursor
// only moves forward.
func (r *Reconciler) ApplyFacts(facts []models.Fact) ([]Applied, error) {
	ordered := make([]models.Fact, len(facts))
	copy(ordered, facts)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	var all []Applied
	for i := range ordered {
		fact := &ordered[i]

		var muts []db.Mutation
		var applied []Applied
		var err error

		if fact.Type == models.FactBatch {
			for j := range fact.Facts {
				child := &fact.Facts[j]
				childMuts, childApplied, cerr := r.factMutations(child, fact.Sequence)
				if cerr != nil {
					return all, cerr
				}
				muts = append(muts, childMuts...)
				applied = append(applied, childApplied...)
			}
		} else {
			muts, applied, err = r.factMutations(fact, fact.Sequence)
			if err != nil {
				return all, err
			}
		}

		cursor := &db.CursorUpdate{
			Sequence: fact.Sequence,
			SyncTime: time.Now().Unix(),
		}
		if err := r.store.ApplyBatch(muts, cursor); err != nil {
			// The cursor is unchanged for this fact, so the same range
			// will be retried on the next sync.
			return all, err
		}
		all = append(all, applied...)
	}

	return all, nil
}

// factMutations resolves one per-record fact against local state.
func (r *Reconciler) factMutations(fact *models.Fact, sequence int64) ([]db.Mutation, []Applied, error) {
	switch fact.Type {
	case models.FactCreate, models.FactUpdate:
		if fact.Image == nil || fact.Image.UUID == "" {
			return nil, nil, apperrors.New(apperrors.ErrValidation,
				"malformed fact: create/update without image payload")
		}
		return r.mergeRecord(fact.Image, fact.Metadata, fact.Timestamp, sequence, string(fact.Type))

	case models.FactDelete:
		if fact.UUID == "" {
			return nil, nil, apperrors.New(apperrors.ErrValidation,
				"malformed fact: delete without uuid")
		}
		local, err := r.store.GetImageAny(fact.UUID)
		if err != nil && !apperrors.Is(err, apperrors.ErrImageNotFound) {
			return nil, nil, err
		}
		if local != nil && local.UpdatedAt > fact.Timestamp {
			// Local edit is newer than the deletion; keep local state.
			return nil, nil, nil
		}
		muts := []db.Mutation{{Tombstone: fact.UUID, TombstoneAt: fact.Timestamp}}
		applied := []Applied{{UUID: fact.UUID, Op: "delete", Sequence: sequence}}
		return muts, applied, nil

	default:
		return nil, nil, apperrors.New(apperrors.ErrValidation,
			"malformed fact: unknown type "+string(fact.Type))
	}
}

// mergeRecord applies the LWW policy for an incoming record version.
func (r *Reconciler) mergeRecord(incoming *models.ImageRecord, md *models.ExtendedMetadata,
	timestamp, sequence int64, op string) ([]db.Mutation, []Applied, error) {

	local, err := r.store.GetImageAny(incoming.UUID)
	if err != nil && !apperrors.Is(err, apperrors.ErrImageNotFound) {
		return nil, nil, err
	}

	if local != nil && local.UpdatedAt > timestamp {
		// Local record is strictly newer: the incoming fact is a no-op
		// for this uuid. Incoming wins ties.
		return nil, nil, nil
	}

	if local != nil && local.IsDeleted() && !incoming.IsDeleted() {
		// Identifier reuse after deletion. Unusual but handled: the
		// record is resurrected.
		logging.Warn("Resurrecting tombstoned record on incoming create",
			map[string]interface{}{
				"uuid":     incoming.UUID,
				"sequence": sequence,
			})
	}

	muts := []db.Mutation{{Image: incoming}}
	if md != nil {
		muts = append(muts, db.Mutation{Metadata: md})
	}
	applied := []Applied{{UUID: incoming.UUID, Op: op, Sequence: sequence}}
	return muts, applied, nil
}

// ApplySnapshot converges the local store wholesale against a full
// authoritative snapshot, adopting the given anchor and cursor atomically
// with the merge. Live local records absent from the snapshot are
// tombstoned unless they still have pending (never acknowledged) local
// writes, which the caller re-pushes after the new anchor is adopted.
func (r *Reconciler) ApplySnapshot(entries []models.SnapshotEntry, currentSequence int64, anchorID string) ([]Applied, error) {
	locals, err := r.store.ListAll()
	if err != nil {
		return nil, err
	}
	localByUUID := make(map[models.UUID]*models.ImageRecord, len(locals))
	for _, rec := range locals {
		localByUUID[rec.UUID] = rec
	}

	pending, err := r.store.ListPendingChanges()
	if err != nil {
		return nil, err
	}
	pendingUUIDs := make(map[models.UUID]bool, len(pending))
	for _, p := range pending {
		pendingUUIDs[p.ImageUUID] = true
	}

	var muts []db.Mutation
	var applied []Applied
	seen := make(map[models.UUID]bool, len(entries))

	for i := range entries {
		entry := &entries[i]
		if entry.Image == nil || entry.Image.UUID == "" {
			return nil, apperrors.New(apperrors.ErrValidation, "malformed snapshot entry")
		}
		seen[entry.Image.UUID] = true

		local := localByUUID[entry.Image.UUID]
		if local != nil && local.UpdatedAt > entry.Image.UpdatedAt {
			continue
		}
		muts = append(muts, db.Mutation{Image: entry.Image})
		if entry.Metadata != nil {
			muts = append(muts, db.Mutation{Metadata: entry.Metadata})
		}
		applied = append(applied, Applied{UUID: entry.Image.UUID, Op: "update", Sequence: currentSequence})
	}

	now := time.Now().Unix()
	for _, rec := range locals {
		if seen[rec.UUID] || rec.IsDeleted() {
			continue
		}
		if pendingUUIDs[rec.UUID] {
			// Local-only record that was never pushed; kept for re-push
			// under the new anchor.
			continue
		}
		muts = append(muts, db.Mutation{Tombstone: rec.UUID, TombstoneAt: now})
		applied = append(applied, Applied{UUID: rec.UUID, Op: "delete", Sequence: currentSequence})
	}

	cursor := &db.CursorUpdate{
		Sequence: currentSequence,
		SyncTime: now,
		AnchorID: &anchorID,
	}
	if err := r.store.ApplyBatch(muts, cursor); err != nil {
		return nil, err
	}
	return applied, nil
}
