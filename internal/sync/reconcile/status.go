package reconcile

import "github.com/kimhsiao/pixmirror/internal/models"

// Status is the result of a read-only comparison between the local mirror
// and the authoritative store.
type Status struct {
	// InSync is true when the local cursor matches the authoritative
	// sequence under the same anchor.
	InSync bool
	// OperationsBehind is how many authoritative operations the local
	// mirror has not applied yet. Zero when ResetDetected is true: a
	// behind-count is meaningless across anchors.
	OperationsBehind int64
	// ResetDetected is true when the anchor identities differ, meaning
	// the remote store was reset or replaced wholesale.
	ResetDetected bool

	LocalSequence  int64
	RemoteSequence int64
}

// ComputeSyncStatus compares local bookkeeping against the authoritative
// store's current sequence and anchor. An anchor mismatch reports a reset
// regardless of the sequence numbers.
func ComputeSyncStatus(local *models.SyncState, remoteSequence int64, remoteAnchor string) Status {
	status := Status{
		LocalSequence:  local.LastAppliedSequence,
		RemoteSequence: remoteSequence,
	}

	if local.AnchorID != "" && local.AnchorID != remoteAnchor {
		status.ResetDetected = true
		return status
	}

	if behind := remoteSequence - local.LastAppliedSequence; behind > 0 {
		status.OperationsBehind = behind
		return status
	}

	status.InSync = true
	return status
}
