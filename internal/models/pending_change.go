// Package models provides data model definitions for PixMirror.
package models

import "time"

// PendingChange records a local write that has not yet been acknowledged by
// the authoritative service. Rows are cleared when the service accepts the
// write; surviving rows identify local-only records to re-push after a
// remote store reset.
type PendingChange struct {
	ChangeID  int64  `db:"change_id" json:"change_id"`
	ImageUUID UUID   `db:"image_uuid" json:"image_uuid"`
	Op        string `db:"op" json:"op"` // create, update, delete
	QueuedAt  int64  `db:"queued_at" json:"queued_at"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// QueuedAtTime returns QueuedAt as time.Time.
func (p *PendingChange) QueuedAtTime() time.Time {
	return time.Unix(p.QueuedAt, 0)
}
