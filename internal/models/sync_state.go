// Package models provides data model definitions for PixMirror.
package models

import "time"

// SyncState is the singleton bookkeeping row that gates all sync activity.
// LastAppliedSequence only moves forward and is persisted atomically with
// the operations it accounts for.
type SyncState struct {
	LastAppliedSequence int64  `db:"last_applied_sequence" json:"last_applied_sequence"`
	LastSyncTime        int64  `db:"last_sync_time" json:"last_sync_time"`
	AnchorID            string `db:"anchor_id" json:"anchor_id"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

// LastSyncTimeTime returns LastSyncTime as time.Time.
func (s *SyncState) LastSyncTimeTime() time.Time {
	return time.Unix(s.LastSyncTime, 0)
}

// SyncStateUpdate is a partial update of the sync state singleton.
// Nil fields are left untouched.
type SyncStateUpdate struct {
	LastAppliedSequence *int64
	LastSyncTime        *int64
	AnchorID            *string
}
