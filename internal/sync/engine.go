package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/pixmirror/internal/db"
	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/events"
	"github.com/kimhsiao/pixmirror/internal/logging"
	"github.com/kimhsiao/pixmirror/internal/models"
	"github.com/kimhsiao/pixmirror/internal/sync/reconcile"
)

// SyncStatus represents the current engine state.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
)

// Config holds engine tunables.
type Config struct {
	// ClientID identifies this device to the authoritative service.
	ClientID string
	// FetchTimeout bounds each network fetch inside a sync attempt.
	FetchTimeout time.Duration
	// RetryDelay is the fixed wait between conflict retries.
	RetryDelay time.Duration
	// MaxRetries is how many extra attempts WithRetry makes after the
	// initial one.
	MaxRetries int
}

// DefaultConfig returns engine defaults.
func DefaultConfig(clientID string) Config {
	return Config{
		ClientID:     clientID,
		FetchTimeout: 30 * time.Second,
		RetryDelay:   500 * time.Millisecond,
		MaxRetries:   3,
	}
}

// SyncResult summarizes one sync execution.
type SyncResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Applied    int
	Sequence   int64
	FullResync bool
}

// Engine owns the synchronization state machine. It is the only component
// that talks to the remote service. At most one sync execution is in
// flight at a time; overlapping triggers serialize on syncMu rather than
// interleave, which would violate the monotonic-cursor invariant.
type Engine struct {
	store      db.SyncStore
	remote     RemoteService
	reconciler *reconcile.Reconciler
	bus        *events.Bus
	cfg        Config

	syncMu sync.Mutex

	mu      sync.RWMutex
	status  SyncStatus
	lastErr error

	autoMu  sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewEngine creates a sync engine over the given store and remote service.
// A nil bus gets a private one, so event publishing is always safe.
func NewEngine(store db.SyncStore, remote RemoteService, bus *events.Bus, cfg Config) *Engine {
	if bus == nil {
		bus = events.NewBus()
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Engine{
		store:      store,
		remote:     remote,
		reconciler: reconcile.New(store),
		bus:        bus,
		cfg:        cfg,
		status:     SyncStatusIdle,
	}
}

// Bus returns the event bus consumers subscribe to.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Status returns the current engine state.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastError returns the last sync error, nil after a clean sync.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) setStatus(status SyncStatus, err error) {
	e.mu.Lock()
	e.status = status
	e.lastErr = err
	e.mu.Unlock()
}

// Sync pulls and applies every authoritative operation past the local
// cursor. An anchor mismatch switches to a full snapshot resync. Callers
// block until any in-progress sync finishes first.
//
// Events are collected while syncMu is held and published only after it
// is released. Bus delivery is synchronous, so a listener that triggers
// another sync from its callback gets a queued follow-up execution
// instead of deadlocking on the mutex it already transitively holds.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	var queued []events.Event
	e.syncMu.Lock()
	result, err := e.syncLocked(ctx, func(ev events.Event) {
		queued = append(queued, ev)
	})
	e.syncMu.Unlock()

	for _, ev := range queued {
		e.bus.Publish(ev)
	}
	return result, err
}

// syncLocked runs one sync execution. Caller holds syncMu and publishes
// the emitted events after releasing it.
func (e *Engine) syncLocked(ctx context.Context, emit func(events.Event)) (*SyncResult, error) {
	e.setStatus(SyncStatusSyncing, nil)
	result := &SyncResult{StartTime: time.Now()}

	emit(events.Event{Kind: events.SyncStarted})

	finish := func(err error) (*SyncResult, error) {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.setStatus(SyncStatusIdle, err)
		if err != nil {
			emit(events.Event{Kind: events.SyncError, Err: err})
			return result, err
		}
		emit(events.Event{Kind: events.SyncCompleted, Completed: &events.CompletedInfo{
			OperationsApplied: result.Applied,
			NewSequence:       result.Sequence,
			FullResync:        result.FullResync,
		}})
		return result, nil
	}

	state, err := e.store.GetSyncState()
	if err != nil {
		return finish(err)
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	page, err := e.remote.FetchOperations(fctx, state.LastAppliedSequence)
	cancel()
	if err != nil {
		// Transient by nature: reported and left for the next tick or an
		// explicit retry. The cursor is untouched.
		return finish(err)
	}

	if state.AnchorID != "" && page.AnchorID != state.AnchorID {
		logging.Warn("Remote anchor changed, performing full resync",
			map[string]interface{}{
				"local_anchor":  state.AnchorID,
				"remote_anchor": page.AnchorID,
			})
		applied, seq, err := e.fullResync(ctx, emit)
		if err != nil {
			return finish(err)
		}
		result.Applied = applied
		result.Sequence = seq
		result.FullResync = true
		return finish(nil)
	}

	if state.AnchorID == "" && page.AnchorID != "" {
		// First contact with this authoritative store.
		anchor := page.AnchorID
		if err := e.store.SetSyncState(models.SyncStateUpdate{AnchorID: &anchor}); err != nil {
			return finish(err)
		}
	}

	applied, err := e.reconciler.ApplyFacts(page.Facts)
	for _, a := range applied {
		emit(events.Event{Kind: events.OperationApplied, Applied: &events.AppliedInfo{
			UUID:     a.UUID.String(),
			Op:       a.Op,
			Sequence: a.Sequence,
		}})
	}
	if err != nil {
		// Storage errors are fatal to this attempt; the cursor stays at
		// the last fully-applied fact so the range is retried next time.
		return finish(err)
	}

	now := time.Now().Unix()
	if err := e.store.SetSyncState(models.SyncStateUpdate{LastSyncTime: &now}); err != nil {
		return finish(err)
	}

	current, err := e.store.GetSyncState()
	if err != nil {
		return finish(err)
	}
	result.Applied = len(applied)
	result.Sequence = current.LastAppliedSequence
	return finish(nil)
}

// fullResync converges against a full authoritative snapshot, adopts the
// new anchor, and re-pushes local-only records the old anchor never
// acknowledged.
func (e *Engine) fullResync(ctx context.Context, emit func(events.Event)) (applied int, sequence int64, err error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	snap, err := e.remote.FetchSnapshot(fctx)
	cancel()
	if err != nil {
		return 0, 0, err
	}

	done, err := e.reconciler.ApplySnapshot(snap.Entries, snap.CurrentSequence, snap.AnchorID)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range done {
		emit(events.Event{Kind: events.OperationApplied, Applied: &events.AppliedInfo{
			UUID:     a.UUID.String(),
			Op:       a.Op,
			Sequence: a.Sequence,
		}})
	}

	pushed, err := e.repushPending(ctx, emit)
	if err != nil {
		// Re-push failures are not fatal to the resync itself; the
		// pending rows survive for the next attempt.
		logging.Error("Failed to re-push local-only records after resync", err, nil)
	}

	state, err := e.store.GetSyncState()
	if err != nil {
		return 0, 0, err
	}
	return len(done) + pushed, state.LastAppliedSequence, nil
}

// repushPending re-submits local writes the remote never acknowledged,
// treating them as new creations under the current anchor.
func (e *Engine) repushPending(ctx context.Context, emit func(events.Event)) (int, error) {
	pending, err := e.store.ListPendingChanges()
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, p := range pending {
		rec, err := e.store.GetImageAny(p.ImageUUID)
		if err != nil {
			logging.Warn("Pending change references missing record",
				map[string]interface{}{"uuid": p.ImageUUID})
			continue
		}

		req := &WriteRequest{UUID: rec.UUID, Image: rec, Kind: WriteCreate}
		if rec.IsDeleted() {
			req.Kind = WriteDelete
			req.Image = nil
		}
		if _, err := e.submitWrite(ctx, req, emit); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// CheckSyncStatus compares the local cursor against the authoritative
// store without mutating anything.
func (e *Engine) CheckSyncStatus(ctx context.Context) (*reconcile.Status, error) {
	state, err := e.store.GetSyncState()
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	page, err := e.remote.FetchOperations(fctx, state.LastAppliedSequence)
	cancel()
	if err != nil {
		return nil, err
	}

	status := reconcile.ComputeSyncStatus(state, page.CurrentSequence, page.AnchorID)
	return &status, nil
}

// SubmitWrite attaches the client identity and sequence cursor to a write
// and submits it. On acceptance the write is applied locally and the
// returned sequence adopted atomically; on conflict the typed error is
// surfaced for WithRetry to act on. The engine never retries by itself.
func (e *Engine) SubmitWrite(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	return e.submitWrite(ctx, req, e.bus.Publish)
}

func (e *Engine) submitWrite(ctx context.Context, req *WriteRequest, emit func(events.Event)) (*WriteResult, error) {
	state, err := e.store.GetSyncState()
	if err != nil {
		return nil, err
	}
	req.ClientID = e.cfg.ClientID
	req.LastAppliedSequence = state.LastAppliedSequence

	res, err := e.remote.SubmitWrite(ctx, req)
	if err != nil {
		if conflict, ok := apperrors.AsConflict(err); ok {
			emit(events.Event{
				Kind:             events.ConflictDetected,
				OperationsBehind: conflict.OperationsBehind,
			})
		}
		return nil, err
	}

	now := time.Now().Unix()
	var muts []db.Mutation
	switch req.Kind {
	case WriteCreate, WriteUpdate:
		if req.Image == nil {
			return nil, apperrors.New(apperrors.ErrValidation, "write without image payload")
		}
		muts = append(muts, db.Mutation{Image: req.Image})
		if req.Metadata != nil {
			muts = append(muts, db.Mutation{Metadata: req.Metadata})
		}
	case WriteDelete:
		muts = append(muts, db.Mutation{Tombstone: req.UUID, TombstoneAt: now})
	default:
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("unknown write kind: %s", req.Kind))
	}

	cursor := &db.CursorUpdate{Sequence: res.Sequence, SyncTime: now}
	if err := e.store.ApplyBatch(muts, cursor); err != nil {
		return nil, err
	}
	if err := e.store.ClearPendingChanges(req.UUID); err != nil {
		return nil, err
	}

	emit(events.Event{Kind: events.OperationApplied, Applied: &events.AppliedInfo{
		UUID:     req.UUID.String(),
		Op:       string(req.Kind),
		Sequence: res.Sequence,
	}})
	return res, nil
}

// WithRetry invokes op; on a conflict it syncs to catch up, waits the
// configured fixed delay, and re-invokes op, up to MaxRetries times.
// The op must regenerate its request from the now-current cursor on
// each attempt. The last error surfaces once retries are exhausted.
func (e *Engine) WithRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if err == nil || !apperrors.IsConflict(err) {
			return err
		}
		if _, serr := e.Sync(ctx); serr != nil {
			return serr
		}
		select {
		case <-time.After(e.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = op(ctx)
	}
	return err
}

// StartAutoSync starts the repeating background sync. The timer is not
// re-entrant: a tick arriving while a sync is in progress is skipped, not
// queued. Errors inside the loop become sync_error events rather than
// escaping the timer.
func (e *Engine) StartAutoSync(interval time.Duration) {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.autoSyncLoop(interval, e.stopCh)
	logging.Info("Auto-sync started", map[string]interface{}{"interval": interval.String()})
}

// StopAutoSync stops the background sync, letting any in-flight sync
// finish rather than aborting it mid-transaction.
func (e *Engine) StopAutoSync() {
	e.autoMu.Lock()
	if !e.running {
		e.autoMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.autoMu.Unlock()

	e.wg.Wait()
	logging.Info("Auto-sync stopped", nil)
}

func (e *Engine) autoSyncLoop(interval time.Duration, stopCh chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !e.syncMu.TryLock() {
				logging.Debug("Sync already in progress, skipping tick", nil)
				continue
			}
			var queued []events.Event
			_, err := e.syncLocked(context.Background(), func(ev events.Event) {
				queued = append(queued, ev)
			})
			e.syncMu.Unlock()
			for _, ev := range queued {
				e.bus.Publish(ev)
			}
			if err != nil {
				// Already published as a sync_error event.
				logging.ErrorWithCode("Periodic sync failed",
					string(apperrors.ErrSyncFailed), err, nil)
			}
		}
	}
}
