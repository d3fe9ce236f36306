package drafts

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFailure indicates that the durable store rejected or could not complete a transaction.
	ErrStorageFailure = errors.New("drafts: storage failure")
	// ErrSnapshotNotFound indicates that a restore targeted a snapshot that does not exist for the draft.
	ErrSnapshotNotFound = errors.New("drafts: snapshot not found")
	// ErrDraftNotFound indicates that no draft row has been written for the identity yet.
	ErrDraftNotFound = errors.New("drafts: draft not found")
)

// ServiceError carries a machine-readable code of the form "operation.reason".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for operation and reason wrapping cause.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StorageError marks cause as a storage failure so callers can match ErrStorageFailure.
func StorageError(cause error) error {
	if cause == nil || errors.Is(cause, ErrStorageFailure) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrStorageFailure, cause)
}
