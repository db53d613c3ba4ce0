// Package errors provides error code definitions for PixMirror.
package errors

import "fmt"

// ErrorCode represents a unique error code exposed to callers of the
// public surface.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Image errors
	ErrImageNotFound  ErrorCode = "IMAGE_NOT_FOUND"
	ErrImageDuplicate ErrorCode = "IMAGE_DUPLICATE"
	ErrImageInvalid   ErrorCode = "IMAGE_INVALID"

	// Sync errors
	ErrSyncConflict  ErrorCode = "SYNC_CONFLICT"
	ErrSyncNetwork   ErrorCode = "NETWORK_ERROR"
	ErrSyncReset     ErrorCode = "RESET_DETECTED"
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrSyncExhausted ErrorCode = "SYNC_RETRIES_EXHAUSTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
