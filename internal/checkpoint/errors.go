// Package checkpoint implements workspace snapshots with checksum-verified
// restore, diffing, validation, and retention cleanup.
package checkpoint

import (
	"errors"
	"fmt"
)

// Error represents a structured checkpoint error with context
type Error struct {
	Code       string // Machine-readable error code
	Message    string // Human-readable message
	HTTPStatus int    // Suggested HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common checkpoint errors
var (
	ErrCheckpointNotFound = &Error{
		Code:       "CHECKPOINT_NOT_FOUND",
		Message:    "Checkpoint not found",
		HTTPStatus: 404, // Not Found
	}

	ErrInvalidRequest = &Error{
		Code:       "INVALID_REQUEST",
		Message:    "Invalid checkpoint request",
		HTTPStatus: 400, // Bad Request
	}
)

// IntegrityError reports a checksum mismatch between the manifest and
// the stored checkpoint data. Restore aborts before writing anything
// when verification fails.
type IntegrityError struct {
	CheckpointID string
	Path         string
	Expected     string
	Actual       string
}

// Error implements the error interface
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checkpoint %s integrity failure at %s: expected %s, got %s",
		e.CheckpointID, e.Path, e.Expected, e.Actual)
}

// IOError aggregates per-file I/O failures from a checkpoint operation
type IOError struct {
	Operation string
	Failures  map[string]error
}

// Error implements the error interface
func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s failed for %d file(s)", e.Operation, len(e.Failures))
}

// IsCheckpointError checks if an error is a checkpoint.Error
func IsCheckpointError(err error) (*Error, bool) {
	var cpErr *Error
	if errors.As(err, &cpErr) {
		return cpErr, true
	}
	return nil, false
}

// IsIntegrityError checks if an error is an IntegrityError
func IsIntegrityError(err error) (*IntegrityError, bool) {
	var intErr *IntegrityError
	if errors.As(err, &intErr) {
		return intErr, true
	}
	return nil, false
}
