// Package sync provides the synchronization state machine keeping the
// local mirror consistent with the authoritative store.
package sync

import (
	"context"

	"github.com/kimhsiao/pixmirror/internal/models"
)

// OperationPage is the result of fetching the authoritative log past a
// sequence cursor.
type OperationPage struct {
	Facts           []models.Fact `json:"facts"`
	CurrentSequence int64         `json:"current_sequence"`
	AnchorID        string        `json:"anchor_id"`
}

// Snapshot is the full authoritative record set, used for full resync
// after an anchor mismatch.
type Snapshot struct {
	Entries         []models.SnapshotEntry `json:"entries"`
	CurrentSequence int64                  `json:"current_sequence"`
	AnchorID        string                 `json:"anchor_id"`
}

// WriteKind classifies an outgoing write.
type WriteKind string

const (
	WriteCreate WriteKind = "create"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteRequest is an outgoing write carrying the client's sequence cursor
// for optimistic concurrency. ClientID and LastAppliedSequence are filled
// in by the engine.
type WriteRequest struct {
	Kind                WriteKind                `json:"kind"`
	UUID                models.UUID              `json:"uuid"`
	Image               *models.ImageRecord      `json:"image,omitempty"`
	Metadata            *models.ExtendedMetadata `json:"metadata,omitempty"`
	ClientID            string                   `json:"client_id"`
	LastAppliedSequence int64                    `json:"last_applied_sequence"`
}

// WriteResult is the authoritative acknowledgement of an accepted write.
type WriteResult struct {
	Sequence  int64 `json:"sequence"`
	Timestamp int64 `json:"timestamp"`
}

// RemoteService is the abstract contract with the authoritative remote
// store. SubmitWrite returns *errors.ConflictError when the service's
// current sequence is ahead of the client's.
type RemoteService interface {
	// FetchOperations returns ordered facts with sequence > sinceSequence,
	// plus the service's current sequence and anchor identity.
	FetchOperations(ctx context.Context, sinceSequence int64) (*OperationPage, error)

	// FetchSnapshot returns the full authoritative record set.
	FetchSnapshot(ctx context.Context) (*Snapshot, error)

	// SubmitWrite submits one write; it either succeeds with the newly
	// assigned sequence or fails with a typed conflict.
	SubmitWrite(ctx context.Context, req *WriteRequest) (*WriteResult, error)
}
