// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/pixmirror/internal/events"
	"github.com/kimhsiao/pixmirror/internal/sync/reconcile"
)

// EngineInterface defines the sync engine operations exposed to in-process
// consumers. It allows mocking in tests and alternative implementations.
type EngineInterface interface {
	// Sync pulls and applies all authoritative operations past the local
	// cursor, or performs a full resync on anchor mismatch.
	Sync(ctx context.Context) (*SyncResult, error)

	// CheckSyncStatus is the read-only comparison used by UI polling and
	// pre-flight checks before a write.
	CheckSyncStatus(ctx context.Context) (*reconcile.Status, error)

	// SubmitWrite submits one write carrying the sequence cursor.
	SubmitWrite(ctx context.Context, req *WriteRequest) (*WriteResult, error)

	// WithRetry runs an operation with conflict-triggered sync-and-retry.
	WithRetry(ctx context.Context, op func(context.Context) error) error

	// StartAutoSync starts the repeating background sync timer.
	StartAutoSync(interval time.Duration)

	// StopAutoSync stops the timer, letting an in-flight sync finish.
	StopAutoSync()

	// Status returns the current engine state.
	Status() SyncStatus

	// LastError returns the last sync error.
	LastError() error

	// Bus returns the event bus consumers subscribe to.
	Bus() *events.Bus
}

// Ensure *Engine implements the interface at compile time.
var _ EngineInterface = (*Engine)(nil)
