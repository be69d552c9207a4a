package driftsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucentapps/driftsync/internal/remote"
)

// Pusher drains the sync queue against the remote store. One drain runs at
// a time; the client serializes callers.
type Pusher struct {
	store     *Store
	remote    remote.Store
	bus       *Bus
	debug     *DebugLogger
	batchSize int
	stopped   func() bool
}

// NewPusher creates a push engine. batchSize caps how many items one drain
// processes; zero means DefaultQueueBatchSize. stopped is polled between
// queue items; nil means never stop early.
func NewPusher(store *Store, rs remote.Store, bus *Bus, debug *DebugLogger, batchSize int, stopped func() bool) *Pusher {
	if batchSize <= 0 {
		batchSize = DefaultQueueBatchSize
	}
	return &Pusher{store: store, remote: rs, bus: bus, debug: debug, batchSize: batchSize, stopped: stopped}
}

// Drain processes pending queue items in priority-then-FIFO order until the
// queue is empty, the batch cap is hit, or the stop flag is raised.
// In-flight items complete rather than being interrupted mid-write. Returns
// how many items pushed successfully and how many failed this pass.
func (p *Pusher) Drain() (pushed, failed int, err error) {
	// Each item gets one attempt per pass; transient failures wait for
	// the next drain instead of spinning through their retry budget.
	attempted := make(map[int64]bool)
	for len(attempted) < p.batchSize {
		if p.stopped != nil && p.stopped() {
			return pushed, failed, nil
		}

		item, err := p.store.DequeueNext()
		if errors.Is(err, ErrNotFound) {
			return pushed, failed, nil
		}
		if err != nil {
			return pushed, failed, err
		}
		if attempted[item.ID] {
			if err := p.store.requeueItem(item.ID); err != nil {
				return pushed, failed, err
			}
			return pushed, failed, nil
		}
		attempted[item.ID] = true

		if pushErr := p.pushItem(item); pushErr != nil {
			failed++
			permanent := !isTransient(pushErr)
			terminal, failErr := p.store.FailQueueItem(item, pushErr.Error(), permanent)
			if failErr != nil {
				return pushed, failed, failErr
			}
			p.debug.LogSync("push", fmt.Sprintf("item %d %s %s/%d failed (terminal=%v): %v",
				item.ID, item.Operation, item.EntityType, item.EntityID, terminal, pushErr))
			continue
		}

		if err := p.store.CompleteQueueItem(item.ID); err != nil {
			return pushed, failed, err
		}
		pushed++
	}
	return pushed, failed, nil
}

// pushItem uploads one queued mutation. It always loads a fresh record
// snapshot rather than trusting the queued payload, so later local edits
// are not clobbered by stale data.
func (p *Pusher) pushItem(item *SyncQueueItem) error {
	rec, err := p.store.GetRecord(item.EntityType, item.EntityID)
	if errors.Is(err, ErrNotFound) {
		rec = nil
	} else if err != nil {
		return &SyncError{Operation: "push", EntityType: item.EntityType, Transient: true, Err: err}
	}

	switch item.Operation {
	case OpCreate:
		if rec == nil {
			return &SyncError{Operation: "push-create", EntityType: item.EntityType, Err: ErrNotFound}
		}
		return p.pushCreate(rec)
	case OpUpdate:
		if rec == nil {
			return &SyncError{Operation: "push-update", EntityType: item.EntityType, Err: ErrNotFound}
		}
		return p.pushUpdate(rec)
	case OpDelete:
		return p.pushDelete(item, rec)
	default:
		return &SyncError{Operation: "push", EntityType: item.EntityType, Err: ErrInvalidOperation}
	}
}

// pushCreate inserts a record remotely, first checking the entity type's
// business key so a record created independently on both sides links up
// instead of duplicating.
func (p *Pusher) pushCreate(rec *Record) error {
	if rec.RemoteID != "" {
		// Already linked by an earlier attempt or a pull; nothing to create.
		return p.store.MarkRecordSynced(rec.EntityType, rec.LocalID)
	}

	collection := string(rec.EntityType)
	if existing, err := p.findRemoteByKey(rec); err != nil {
		return err
	} else if existing != nil {
		p.debug.LogSync("push", fmt.Sprintf("merge-by-key %s/%d -> %s", rec.EntityType, rec.LocalID, existing.ID))
		return p.store.SetRemoteID(rec.EntityType, rec.LocalID, existing.ID)
	}

	remoteID, err := p.remote.Insert(collection, remotePayload(rec))
	if err != nil {
		return err
	}
	return p.store.SetRemoteID(rec.EntityType, rec.LocalID, remoteID)
}

func (p *Pusher) pushUpdate(rec *Record) error {
	if rec.RemoteID == "" {
		return &SyncError{Operation: "push-update", EntityType: rec.EntityType, Err: ErrMissingRemoteID}
	}
	if err := p.remote.Update(string(rec.EntityType), rec.RemoteID, remotePayload(rec)); err != nil {
		return err
	}
	return p.store.MarkRecordSynced(rec.EntityType, rec.LocalID)
}

// pushDelete removes the remote counterpart. The local row is usually gone
// by the time the item drains, so the remote id falls back to the payload
// snapshot taken at enqueue time.
func (p *Pusher) pushDelete(item *SyncQueueItem, rec *Record) error {
	remoteID := ""
	if rec != nil {
		remoteID = rec.RemoteID
	}
	if remoteID == "" && item.Payload != nil {
		if id, ok := item.Payload["remote_id"].(string); ok {
			remoteID = id
		}
	}
	if remoteID == "" {
		return &SyncError{Operation: "push-delete", EntityType: item.EntityType, Err: ErrMissingRemoteID}
	}

	err := p.remote.Delete(string(item.EntityType), remoteID)
	if err != nil {
		var re *remote.Error
		if errors.As(err, &re) && re.StatusCode == 404 {
			// Already gone remotely; the delete is effectively done.
			return nil
		}
		return err
	}
	return nil
}

// findRemoteByKey looks up the remote counterpart by the entity type's
// unique business key, falling back to its composite key for transactional
// entities. Returns nil when no key is configured or populated.
func (p *Pusher) findRemoteByKey(rec *Record) (*remote.Document, error) {
	collection := string(rec.EntityType)

	if key := rec.EntityType.BusinessKey(); key != "" {
		if value, ok := rec.Fields[key]; ok && !emptyValue(value) {
			doc, err := p.remote.FindOne(collection, map[string]any{key: value})
			if errors.Is(err, remote.ErrNoDocument) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return doc, nil
		}
	}

	composite := rec.EntityType.CompositeKey()
	if len(composite) == 0 {
		return nil, nil
	}
	filter := make(map[string]any, len(composite))
	for _, f := range composite {
		value, ok := rec.Fields[f]
		if !ok || emptyValue(value) {
			return nil, nil
		}
		filter[f] = value
	}
	doc, err := p.remote.FindOne(collection, filter)
	if errors.Is(err, remote.ErrNoDocument) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// remotePayload builds the upload body from a record: its business fields
// minus local bookkeeping, plus the local modification timestamp so the
// other side can order merges.
func remotePayload(rec *Record) map[string]any {
	out := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		if ignoredFields[k] {
			continue
		}
		out[k] = v
	}
	if rec.Name != "" {
		if _, ok := out["name"]; !ok {
			out["name"] = rec.Name
		}
	}
	out["last_modified"] = rec.LastModified.UTC().Format(time.RFC3339Nano)
	return out
}
