// Package models provides data model definitions for PixMirror.
package models

import "time"

// FactType classifies an authoritative operation.
type FactType string

const (
	FactCreate FactType = "create"
	FactUpdate FactType = "update"
	FactDelete FactType = "delete"
	FactBatch  FactType = "batch"
)

// Fact is one authoritative operation pulled from the remote log. Facts
// carry the sequence number assigned by the authoritative service and are
// applied in strictly ascending sequence order.
//
// A batch fact has Type == FactBatch and carries its constituent per-record
// facts in Facts; the children are applied together as one transaction and
// the cursor advances once, to the batch's own sequence.
type Fact struct {
	Sequence  int64             `json:"sequence"`
	Type      FactType          `json:"type"`
	UUID      UUID              `json:"uuid,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Image     *ImageRecord      `json:"image,omitempty"`
	Metadata  *ExtendedMetadata `json:"metadata,omitempty"`
	Facts     []Fact            `json:"facts,omitempty"`
}

// TimestampTime returns the fact timestamp as time.Time.
func (f *Fact) TimestampTime() time.Time {
	return time.Unix(f.Timestamp, 0)
}

// SnapshotEntry is one record of a full authoritative snapshot, used for
// wholesale reconciliation after a remote store reset.
type SnapshotEntry struct {
	Image    *ImageRecord      `json:"image"`
	Metadata *ExtendedMetadata `json:"metadata,omitempty"`
}
