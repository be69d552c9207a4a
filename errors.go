package driftsync

import (
	"errors"
	"fmt"
)

// Common errors returned by the driftsync client.
var (
	// ErrNotFound is returned when a record or conflict is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidEntityType is returned when an entity type is not on the
	// allow-list.
	ErrInvalidEntityType = errors.New("invalid entity type")

	// ErrInvalidOperation is returned for an unknown queue operation.
	ErrInvalidOperation = errors.New("invalid queue operation")

	// ErrInvalidChoice is returned when a manual resolution choice is not
	// local, remote or merged.
	ErrInvalidChoice = errors.New("invalid resolution choice")

	// ErrMissingRemoteID is returned when an UPDATE or DELETE is pushed for
	// a record that was never linked to a remote id.
	ErrMissingRemoteID = errors.New("record has no remote id")

	// ErrConflictResolved is returned when resolving a conflict that is not
	// pending review.
	ErrConflictResolved = errors.New("conflict is not pending review")

	// ErrMergedPayloadRequired is returned when choice=merged is used
	// without a merged payload.
	ErrMergedPayloadRequired = errors.New("merged payload required for merged choice")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a remote operation is attempted without a
	// configured remote store.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrSyncInProgress is returned when a sync run is requested while one
	// is already active for the same scope.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a push or pull operation fails.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	EntityType EntityType
	Transient  bool
	Err        error
}

func (e *SyncError) Error() string {
	if e.EntityType != "" {
		return fmt.Sprintf("sync: %s %s failed: %v", e.Operation, e.EntityType, e.Err)
	}
	return fmt.Sprintf("sync: %s failed: %v", e.Operation, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// isTransient reports whether err should be retried with bounded attempts.
// Validation errors and missing-remote-id failures are permanent; transport
// failures are retried until the queue item's retry budget runs out.
func isTransient(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Transient
	}
	type transienter interface{ IsTransient() bool }
	var tr transienter
	if errors.As(err, &tr) {
		return tr.IsTransient()
	}
	return false
}
