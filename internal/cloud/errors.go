package cloud

import (
	"fmt"

	"github.com/cardfolio/backend/internal/binder"
)

// NotFoundError reports that a document is absent remotely. It is surfaced
// immediately and never retried.
type NotFoundError struct {
	Key DocumentKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cloud: document %s not found", e.Key)
}

// ConflictError carries the structured conflict descriptor when a sync is
// rejected because the caller did not opt into automatic resolution.
type ConflictError struct {
	Descriptor binder.ConflictDescriptor
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cloud: sync conflict: %s", e.Descriptor.Type)
}

// SyncError is the terminal failure of a sync operation, produced after the
// retry ceiling is exhausted or when an attempt cannot be retried.
type SyncError struct {
	code       string
	RetryCount int
	err        error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

// Code returns the structured "operation.reason" failure code.
func (e *SyncError) Code() string {
	return e.code
}

func newSyncError(operation, reason string, retryCount int, cause error) error {
	return &SyncError{
		code:       fmt.Sprintf("%s.%s", operation, reason),
		RetryCount: retryCount,
		err:        cause,
	}
}
