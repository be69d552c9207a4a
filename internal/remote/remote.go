// Package remote talks to the LedgerHub document service. It exposes the
// handful of primitives the sync engine needs: find by filter, insert,
// update and delete by identifier, plus a health probe.
package remote

import (
	"errors"
	"fmt"
	"time"
)

// Document is one remote record: an opaque identifier plus its fields.
type Document struct {
	ID           string
	Fields       map[string]any
	LastModified time.Time
}

// Store is the remote document store surface consumed by the sync engine.
type Store interface {
	// Find returns all documents in a collection matching the filter.
	// An empty filter returns the whole collection.
	Find(collection string, filter map[string]any) ([]Document, error)

	// FindOne returns the first matching document, or ErrNoDocument.
	FindOne(collection string, filter map[string]any) (*Document, error)

	// Insert creates a document and returns its assigned identifier.
	Insert(collection string, fields map[string]any) (string, error)

	// Update replaces a document's fields by identifier.
	Update(collection, id string, fields map[string]any) error

	// Delete removes a document by identifier.
	Delete(collection, id string) error

	// Health probes service availability.
	Health() error
}

// ErrNoDocument is returned when a lookup matches nothing.
var ErrNoDocument = errors.New("remote: no matching document")

// Error wraps a failed remote call with enough context to decide whether
// retrying can help. A zero StatusCode means the request never got a
// response (network failure, timeout).
type Error struct {
	Op         string
	Collection string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote %s %s: status %d: %v", e.Op, e.Collection, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the failure is worth retrying. Network
// failures, timeouts, throttling and server errors are transient; client
// errors are not.
func (e *Error) IsTransient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}
