package errors

import (
	stderrors "errors"
	"fmt"
)

// ConflictError reports that the authoritative service is ahead of this
// client. It is expected and recoverable: the retry wrapper syncs to catch
// up and re-issues the write. OperationsBehind is how many operations the
// client is missing.
type ConflictError struct {
	CurrentSequence  int64
	ClientSequence   int64
	OperationsBehind int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] service at sequence %d, client at %d (%d operations behind)",
		ErrSyncConflict, e.CurrentSequence, e.ClientSequence, e.OperationsBehind)
}

// NewConflict creates a ConflictError from the two sequence cursors.
func NewConflict(currentSequence, clientSequence int64) *ConflictError {
	return &ConflictError{
		CurrentSequence:  currentSequence,
		ClientSequence:   clientSequence,
		OperationsBehind: currentSequence - clientSequence,
	}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}

// AsConflict extracts a ConflictError from err, if present.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ResetDetectedError signals that the authoritative store's anchor identity
// changed, i.e. the remote store was reset or replaced wholesale and its
// sequence numbers restarted. It is a signal to perform a full resync, not
// a failure.
type ResetDetectedError struct {
	LocalAnchor  string
	RemoteAnchor string
}

// Error implements the error interface.
func (e *ResetDetectedError) Error() string {
	return fmt.Sprintf("[%s] remote anchor %q differs from local anchor %q",
		ErrSyncReset, e.RemoteAnchor, e.LocalAnchor)
}

// IsResetDetected reports whether err is (or wraps) a ResetDetectedError.
func IsResetDetected(err error) bool {
	var re *ResetDetectedError
	return stderrors.As(err, &re)
}

// IsTransient reports whether an error is worth retrying on the next sync
// tick: network failures and timeouts, but never validation or storage
// errors.
func IsTransient(err error) bool {
	return Is(err, ErrSyncNetwork) || Is(err, ErrSyncTimeout)
}
