package driftsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resolver applies merge policy to diverged record pairs and hosts the
// manual resolution workflow for conflicts it could not settle on its own.
//
// Policy: an empty diff merges silently. A diff touching only non-critical
// fields auto-merges last-write-wins, with the newer side as base. Any
// critical field freezes the record's critical values to the local side and
// escalates to a human.
type Resolver struct {
	store *Store
	bus   *Bus
	debug *DebugLogger
}

// NewResolver creates a resolver over the given store and event bus.
func NewResolver(store *Store, bus *Bus, debug *DebugLogger) *Resolver {
	return &Resolver{store: store, bus: bus, debug: debug}
}

// ReconcileResult reports what Reconcile did with one record pair.
type ReconcileResult struct {
	Resolution Resolution
	Merged     map[string]any
	Conflict   *ConflictRecord

	// NeedsPush is set when the merged payload differs from the remote
	// side, so the caller must enqueue an outbound update.
	NeedsPush bool

	// Skipped is set when the record already has an unresolved conflict
	// and no new work was done.
	Skipped bool
}

// Reconcile routes one local/remote record pair through the policy state
// machine. It persists the merge outcome to the local store and writes the
// audit entry; it does not perform remote I/O.
//
// remoteModified is the remote side's last-modified timestamp; the zero
// value means unknown, which makes remote authoritative for non-critical
// merges (never for critical fields).
func (r *Resolver) Reconcile(local *Record, remote map[string]any, remoteModified time.Time) (*ReconcileResult, error) {
	changed := DiffFields(local.Fields, remote)
	if len(changed) == 0 {
		// Adopt the remote encoding so subsequent diffs stay empty.
		local.Fields = cloneFields(remote)
		local.SyncStatus = StatusSynced
		if err := r.store.UpdateRecord(local); err != nil {
			return nil, fmt.Errorf("resolver: persist silent merge: %w", err)
		}
		return &ReconcileResult{Resolution: ResolutionNoConflict, Merged: local.Fields}, nil
	}

	// One active conflict per record; a rerun before the human decides
	// must not stack duplicates.
	active, err := r.store.HasActiveConflict(local.EntityType, local.LocalID)
	if err != nil {
		return nil, fmt.Errorf("resolver: check active conflict: %w", err)
	}
	if active {
		return &ReconcileResult{Resolution: ResolutionPendingReview, Skipped: true}, nil
	}

	sort.Strings(changed)
	critical, nonCritical := ClassifyFields(local.EntityType, changed)
	localNewer := !remoteModified.IsZero() && local.LastModified.After(remoteModified)

	if len(critical) == 0 {
		return r.autoMerge(local, remote, changed, nonCritical, localNewer)
	}
	return r.escalate(local, remote, changed, critical, nonCritical, localNewer)
}

// autoMerge settles a non-critical divergence last-write-wins. The newer
// side is the base; changed fields that are empty on the base but populated
// on the other side keep the populated value.
func (r *Resolver) autoMerge(local *Record, remote map[string]any, changed, nonCritical []string, localNewer bool) (*ReconcileResult, error) {
	var base, other map[string]any
	winner := "remote"
	if localNewer {
		base, other = local.Fields, remote
		winner = "local"
	} else {
		base, other = remote, local.Fields
	}

	merged := cloneFields(base)
	for _, f := range changed {
		if emptyValue(merged[f]) && !emptyValue(other[f]) {
			merged[f] = other[f]
		}
	}

	conflict := &ConflictRecord{
		EntityType:        local.EntityType,
		EntityID:          local.LocalID,
		EntityName:        local.Name,
		LocalPayload:      cloneFields(local.Fields),
		RemotePayload:     cloneFields(remote),
		MergedPayload:     cloneFields(merged),
		ConflictingFields: changed,
		Resolution:        ResolutionAutoMerged,
		Severity:          severityFor(nil, nonCritical),
		RequiresReview:    false,
		Winner:            winner,
	}
	if err := r.store.InsertConflict(conflict); err != nil {
		return nil, fmt.Errorf("resolver: record auto-merge: %w", err)
	}

	needsPush := len(DiffFields(merged, remote)) > 0
	local.Fields = merged
	local.LastModified = time.Now().UTC()
	if needsPush {
		local.SyncStatus = StatusModifiedLocal
	} else {
		local.SyncStatus = StatusSynced
	}
	if err := r.store.UpdateRecord(local); err != nil {
		return nil, fmt.Errorf("resolver: persist auto-merge: %w", err)
	}

	r.debug.LogConflict(conflict.ID, fmt.Sprintf("auto-merged %s/%d fields=%s winner=%s",
		local.EntityType, local.LocalID, strings.Join(changed, ","), winner))
	r.bus.Emit(Event{
		Name:       EventConflictDetected,
		EntityType: local.EntityType,
		EntityID:   local.LocalID,
		ConflictID: conflict.ID,
		Resolution: ResolutionAutoMerged,
		Fields:     changed,
	})

	return &ReconcileResult{
		Resolution: ResolutionAutoMerged,
		Merged:     merged,
		Conflict:   conflict,
		NeedsPush:  needsPush,
	}, nil
}

// escalate freezes critical values to the local side and parks the record
// for human review. Non-critical fields still merge from the newer side,
// with the same empty-value guard as auto-merge.
func (r *Resolver) escalate(local *Record, remote map[string]any, changed, critical, nonCritical []string, localNewer bool) (*ReconcileResult, error) {
	merged := cloneFields(local.Fields)
	if !localNewer {
		for _, f := range nonCritical {
			v, ok := remote[f]
			if !ok {
				continue
			}
			if emptyValue(v) && !emptyValue(merged[f]) {
				continue
			}
			merged[f] = v
		}
	}

	conflict := &ConflictRecord{
		EntityType:        local.EntityType,
		EntityID:          local.LocalID,
		EntityName:        local.Name,
		LocalPayload:      cloneFields(local.Fields),
		RemotePayload:     cloneFields(remote),
		MergedPayload:     cloneFields(merged),
		ConflictingFields: changed,
		Resolution:        ResolutionPendingReview,
		Severity:          severityFor(critical, nonCritical),
		RequiresReview:    true,
		Notes:             criticalSummary(critical, local.Fields, remote),
	}
	if err := r.store.InsertConflict(conflict); err != nil {
		return nil, fmt.Errorf("resolver: record conflict: %w", err)
	}

	// The record keeps its local critical values and stays off the push
	// path until a human decides; modified_local marks the divergence.
	local.Fields = merged
	local.SyncStatus = StatusModifiedLocal
	local.LastModified = time.Now().UTC()
	if err := r.store.UpdateRecord(local); err != nil {
		return nil, fmt.Errorf("resolver: persist frozen merge: %w", err)
	}

	r.debug.LogConflict(conflict.ID, fmt.Sprintf("escalated %s/%d critical=%s",
		local.EntityType, local.LocalID, strings.Join(critical, ",")))
	r.bus.Emit(Event{
		Name:       EventConflictDetected,
		EntityType: local.EntityType,
		EntityID:   local.LocalID,
		ConflictID: conflict.ID,
		Resolution: ResolutionPendingReview,
		Fields:     changed,
	})
	r.bus.Emit(Event{
		Name:       EventConflictCritical,
		EntityType: local.EntityType,
		EntityID:   local.LocalID,
		ConflictID: conflict.ID,
		Resolution: ResolutionPendingReview,
		Fields:     critical,
	})

	return &ReconcileResult{
		Resolution: ResolutionPendingReview,
		Merged:     merged,
		Conflict:   conflict,
	}, nil
}

// criticalSummary renders both sides of each frozen field for the audit
// trail, so a reviewer can compare without replaying payloads.
func criticalSummary(critical []string, local, remote map[string]any) string {
	parts := make([]string, 0, len(critical))
	for _, f := range critical {
		parts = append(parts, fmt.Sprintf("%s: local=%s remote=%s",
			f, formatFieldValue(local[f]), formatFieldValue(remote[f])))
	}
	return strings.Join(parts, "; ")
}

// ListPendingConflicts returns conflicts awaiting review, optionally
// filtered to one entity type. Pass "" for all.
func (r *Resolver) ListPendingConflicts(entityType EntityType) ([]*ConflictRecord, error) {
	pending, err := r.store.PendingConflicts()
	if err != nil {
		return nil, err
	}
	if entityType == "" {
		return pending, nil
	}
	filtered := pending[:0]
	for _, c := range pending {
		if c.EntityType == entityType {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// Resolve closes a pending conflict with a human decision and applies the
// winning payload to the local record. The resulting local mutation is
// enqueued for push; resolution never writes to the remote store directly.
func (r *Resolver) Resolve(conflictID string, choice Choice, mergedPayload map[string]any, resolvedBy, notes string) (*ConflictRecord, error) {
	if !choice.IsValid() {
		return nil, fmt.Errorf("resolver: %w: %q", ErrInvalidChoice, choice)
	}

	conflict, err := r.store.GetConflict(conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Resolution.Terminal() {
		return nil, ErrConflictResolved
	}

	var final map[string]any
	var resolution Resolution
	switch choice {
	case ChoiceLocal:
		final = cloneFields(conflict.LocalPayload)
		resolution = ResolutionLocalWins
	case ChoiceRemote:
		final = cloneFields(conflict.RemotePayload)
		resolution = ResolutionRemoteWins
	case ChoiceMerged:
		if mergedPayload == nil {
			return nil, ErrMergedPayloadRequired
		}
		final = cloneFields(mergedPayload)
		resolution = ResolutionManualResolved
	}

	recordGone := false
	rec, err := r.store.GetRecord(conflict.EntityType, conflict.EntityID)
	switch {
	case errors.Is(err, ErrNotFound):
		// The record was deleted out from under the conflict; close the
		// audit entry anyway so it stops surfacing.
		recordGone = true
	case err != nil:
		return nil, err
	default:
		rec.Fields = final
		rec.SyncStatus = StatusModifiedLocal
		rec.LastModified = time.Now().UTC()
		if name, ok := final["name"].(string); ok && name != "" {
			rec.Name = name
		}
		if err := r.store.UpdateRecord(rec); err != nil {
			return nil, fmt.Errorf("resolver: apply resolution: %w", err)
		}
	}

	err = r.store.ResolveConflictRecord(conflictID, resolution, string(choice), resolvedBy, notes, final)
	if err != nil {
		return nil, err
	}

	if !recordGone {
		item := &SyncQueueItem{
			EntityType: conflict.EntityType,
			EntityID:   conflict.EntityID,
			Operation:  OpUpdate,
			Priority:   PriorityHigh,
			Payload:    final,
		}
		if err := r.store.Enqueue(item); err != nil {
			return nil, fmt.Errorf("resolver: enqueue resolved update: %w", err)
		}
	}

	r.debug.LogConflict(conflictID, fmt.Sprintf("resolved by %s choice=%s", resolvedBy, choice))
	r.bus.Emit(Event{
		Name:       EventConflictResolved,
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		ConflictID: conflictID,
		Resolution: resolution,
		Choice:     choice,
		Fields:     conflict.ConflictingFields,
	})

	return r.store.GetConflict(conflictID)
}

// cloneFields copies a payload map one level deep. Nested values are
// shared; callers treat payloads as immutable after handoff.
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
