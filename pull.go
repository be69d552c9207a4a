package driftsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucentapps/driftsync/internal/remote"
)

// Puller fetches remote collections and reconciles them against the local
// store. Entity types are processed in dependency order so reference data
// lands before the records that point at it.
type Puller struct {
	store    *Store
	remote   remote.Store
	resolver *Resolver
	bus      *Bus
	debug    *DebugLogger
	stopped  func() bool
}

// NewPuller creates a pull engine. stopped is polled between records;
// nil means never stop early.
func NewPuller(store *Store, rs remote.Store, resolver *Resolver, bus *Bus, debug *DebugLogger, stopped func() bool) *Puller {
	return &Puller{store: store, remote: rs, resolver: resolver, bus: bus, debug: debug, stopped: stopped}
}

// PullCounts tallies one pull pass.
type PullCounts struct {
	Pulled    int
	Imported  int
	Merged    int
	Conflicts int
	Errors    int
}

func (c *PullCounts) add(o PullCounts) {
	c.Pulled += o.Pulled
	c.Imported += o.Imported
	c.Merged += o.Merged
	c.Conflicts += o.Conflicts
	c.Errors += o.Errors
}

// PullAll reconciles every entity type in dependency order.
func (p *Puller) PullAll() (PullCounts, error) {
	var total PullCounts
	for _, entityType := range EntityOrder {
		if p.stopped != nil && p.stopped() {
			return total, nil
		}
		counts, err := p.PullEntity(entityType)
		total.add(counts)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PullEntity reconciles one remote collection. Per-record failures are
// counted and skipped so one bad document does not abort the batch; only a
// failed collection fetch aborts. Emits entity-scoped sync lifecycle events
// around the pass.
func (p *Puller) PullEntity(entityType EntityType) (PullCounts, error) {
	var counts PullCounts
	if !entityType.IsValid() {
		return counts, fmt.Errorf("pull: %w: %q", ErrInvalidEntityType, entityType)
	}
	p.bus.Emit(Event{Name: EventSyncStarted, EntityType: entityType})

	docs, err := p.remote.Find(string(entityType), nil)
	if err != nil {
		serr := &SyncError{Operation: "pull", EntityType: entityType, Transient: isTransient(err), Err: err}
		p.bus.Emit(Event{Name: EventSyncFailed, EntityType: entityType, Err: serr})
		return counts, serr
	}
	p.debug.LogSync("pull", fmt.Sprintf("%s: %d remote documents", entityType, len(docs)))

	for i := range docs {
		if p.stopped != nil && p.stopped() {
			return counts, nil
		}
		counts.Pulled++
		if err := p.pullDocument(entityType, &docs[i], &counts); err != nil {
			counts.Errors++
			p.debug.LogError("pull", fmt.Errorf("%s document %s: %w", entityType, docs[i].ID, err))
		}
	}
	p.bus.Emit(Event{
		Name:       EventSyncCompleted,
		EntityType: entityType,
		Report: &SyncReport{
			Pulled:    counts.Pulled,
			Imported:  counts.Imported,
			Merged:    counts.Merged,
			Conflicts: counts.Conflicts,
			Errors:    counts.Errors,
		},
	})
	return counts, nil
}

// pullDocument reconciles one remote document: match by remote id, fall
// back to the business key, and import outright when no counterpart exists.
func (p *Puller) pullDocument(entityType EntityType, doc *remote.Document, counts *PullCounts) error {
	fields := sanitizeRemoteFields(doc.Fields)
	remoteModified := remoteTimestamp(doc)

	rec, err := p.matchLocal(entityType, doc, fields)
	if errors.Is(err, ErrNotFound) {
		// Pure import; no conflict possible.
		counts.Imported++
		return p.importDocument(entityType, doc.ID, fields, remoteModified)
	}
	if err != nil {
		return err
	}

	// Matched by key but never linked: adopt the remote id so pushes
	// update instead of creating a duplicate.
	if rec.RemoteID == "" {
		if err := p.store.SetRemoteID(entityType, rec.LocalID, doc.ID); err != nil {
			return err
		}
		rec.RemoteID = doc.ID
	} else if rec.RemoteID != doc.ID {
		// Two remote documents claim the same business key; surface in the
		// debug log and leave the existing link alone.
		p.debug.LogSync("pull", fmt.Sprintf("%s/%d linked to %s, ignoring duplicate remote %s",
			entityType, rec.LocalID, rec.RemoteID, doc.ID))
		return nil
	}

	// Local changes still queued go out first; reconciling now would race
	// the push of this same record.
	pending, err := p.store.HasPendingQueueItem(entityType, rec.LocalID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	result, err := p.resolver.Reconcile(rec, fields, remoteModified)
	if err != nil {
		return err
	}

	switch result.Resolution {
	case ResolutionAutoMerged:
		counts.Merged++
	case ResolutionPendingReview:
		if !result.Skipped {
			counts.Conflicts++
		}
	}

	if result.NeedsPush {
		item := &SyncQueueItem{
			EntityType: entityType,
			EntityID:   rec.LocalID,
			Operation:  OpUpdate,
			Priority:   PriorityLow,
			Payload:    result.Merged,
		}
		if err := p.store.Enqueue(item); err != nil {
			return err
		}
	}
	return nil
}

// matchLocal locates the local counterpart of a remote document: by remote
// id first, then by the configured business or composite key.
func (p *Puller) matchLocal(entityType EntityType, doc *remote.Document, fields map[string]any) (*Record, error) {
	rec, err := p.store.FindByRemoteID(entityType, doc.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if key := entityType.BusinessKey(); key != "" {
		if value, ok := fields[key]; ok && !emptyValue(value) {
			rec, err := p.store.FindByBusinessKey(entityType, key, value)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
	}

	composite := entityType.CompositeKey()
	if len(composite) > 0 {
		lookup := make(map[string]any, len(composite))
		for _, f := range composite {
			lookup[f] = fields[f]
		}
		rec, err := p.store.FindByCompositeKey(entityType, lookup)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (p *Puller) importDocument(entityType EntityType, remoteID string, fields map[string]any, remoteModified time.Time) error {
	rec := &Record{
		EntityType: entityType,
		RemoteID:   remoteID,
		Name:       displayName(entityType, fields),
		SyncStatus: StatusSynced,
		Fields:     fields,
	}
	if !remoteModified.IsZero() {
		rec.LastModified = remoteModified.UTC()
	}
	return p.store.InsertRecord(rec)
}

// sanitizeRemoteFields copies a remote payload minus bookkeeping keys that
// must never land in local business fields.
func sanitizeRemoteFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if ignoredFields[k] || k == "_id" {
			continue
		}
		out[k] = v
	}
	return out
}

// remoteTimestamp extracts the remote last-modified time, checking the
// document envelope first and the payload second. Zero means unknown.
func remoteTimestamp(doc *remote.Document) time.Time {
	if !doc.LastModified.IsZero() {
		return doc.LastModified
	}
	if raw, ok := doc.Fields["last_modified"].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// displayName picks a human-readable name for an imported record: the name
// field when present, the business key value otherwise.
func displayName(entityType EntityType, fields map[string]any) string {
	if name, ok := fields["name"].(string); ok && name != "" {
		return name
	}
	if key := entityType.BusinessKey(); key != "" {
		if v, ok := fields[key].(string); ok {
			return v
		}
	}
	return ""
}
