package driftsync

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucentapps/driftsync/internal/remote"
)

const statsMetaKey = "sync_stats"

// scopeFull is the coordination scope claimed by full push+pull runs.
const scopeFull = "full"

// Client is the main interface for keeping the local ledger and LedgerHub
// in sync. Domain code mutates records through it; sync runs drain the
// queue and reconcile remote changes on background goroutines.
type Client struct {
	store    *Store
	remote   remote.Store
	resolver *Resolver
	pusher   *Pusher
	puller   *Puller
	bus      *Bus
	config   Config
	debug    *DebugLogger

	stopping atomic.Bool

	// inFlight coalesces concurrent sync requests: one full run, and one
	// pull per entity type, may be active at a time.
	syncMu   sync.Mutex
	inFlight map[string]bool

	mu       sync.Mutex
	stopSync chan struct{}
	syncDone chan struct{}
}

// New creates a driftsync client. With no RemoteURL configured the client
// runs offline: local mutations queue up and sync operations return
// ErrOffline until connectivity is configured.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var rs remote.Store
	if !cfg.IsOffline() {
		rs = remote.NewHTTPClient(cfg.RemoteURL, cfg.APIKey, cfg.SourceID)
	}
	return newClient(cfg, rs)
}

func newClient(cfg Config, rs remote.Store) (*Client, error) {
	debug, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		debug.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	// Items stranded in_progress by a crash go back to pending.
	if n, err := store.ReleaseStaleItems(); err != nil {
		store.Close()
		debug.Close()
		return nil, fmt.Errorf("client: %w", err)
	} else if n > 0 {
		debug.LogSync("startup", fmt.Sprintf("released %d stale queue items", n))
	}

	bus := NewBus()
	c := &Client{
		store:    store,
		remote:   rs,
		resolver: NewResolver(store, bus, debug),
		bus:      bus,
		config:   cfg,
		debug:    debug,
		inFlight: make(map[string]bool),
		stopSync: make(chan struct{}),
		syncDone: make(chan struct{}),
	}

	if rs != nil {
		c.pusher = NewPusher(store, rs, bus, debug, cfg.QueueBatchSize, c.stopping.Load)
		c.puller = NewPuller(store, rs, c.resolver, bus, debug, c.stopping.Load)
	}

	if rs != nil && cfg.AutoSync {
		go c.backgroundSync()
	} else {
		close(c.syncDone)
	}

	return c, nil
}

// =============================================================================
// Record mutations
// =============================================================================

// CreateRecord stores a new record and queues its creation for push.
// Never blocks on network I/O.
func (c *Client) CreateRecord(rec *Record, priority Priority) error {
	rec.SyncStatus = StatusNewLocal
	if err := c.store.InsertRecord(rec); err != nil {
		return err
	}
	return c.store.Enqueue(&SyncQueueItem{
		EntityType: rec.EntityType,
		EntityID:   rec.LocalID,
		Operation:  OpCreate,
		Priority:   priority,
		Payload:    rec.Fields,
		MaxRetries: c.config.MaxRetries,
	})
}

// UpdateRecordFields applies a field update to a record and queues it for
// push.
func (c *Client) UpdateRecordFields(entityType EntityType, localID int64, fields map[string]any, priority Priority) error {
	rec, err := c.store.GetRecord(entityType, localID)
	if err != nil {
		return err
	}

	for k, v := range fields {
		if ignoredFields[k] {
			continue
		}
		rec.Fields[k] = v
	}
	if name, ok := fields["name"].(string); ok && name != "" {
		rec.Name = name
	}
	rec.LastModified = time.Now().UTC()
	if rec.SyncStatus == StatusSynced {
		rec.SyncStatus = StatusModifiedLocal
	}
	if err := c.store.UpdateRecord(rec); err != nil {
		return err
	}

	return c.store.Enqueue(&SyncQueueItem{
		EntityType: entityType,
		EntityID:   localID,
		Operation:  OpUpdate,
		Priority:   priority,
		Payload:    rec.Fields,
		MaxRetries: c.config.MaxRetries,
	})
}

// DeleteRecord removes a record locally and queues the remote delete. The
// remote id is snapshotted into the queue payload since the local row will
// be gone when the item drains.
func (c *Client) DeleteRecord(entityType EntityType, localID int64, priority Priority) error {
	rec, err := c.store.GetRecord(entityType, localID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteRecord(entityType, localID); err != nil {
		return err
	}

	if rec.RemoteID == "" {
		// Never pushed; nothing exists remotely to delete.
		return nil
	}
	return c.store.Enqueue(&SyncQueueItem{
		EntityType: entityType,
		EntityID:   localID,
		Operation:  OpDelete,
		Priority:   priority,
		Payload:    map[string]any{"remote_id": rec.RemoteID},
		MaxRetries: c.config.MaxRetries,
	})
}

// GetRecord loads a record by entity type and local id.
func (c *Client) GetRecord(entityType EntityType, localID int64) (*Record, error) {
	return c.store.GetRecord(entityType, localID)
}

// Enqueue queues an arbitrary pending mutation. Most callers want the
// CreateRecord/UpdateRecordFields/DeleteRecord helpers instead.
func (c *Client) Enqueue(item *SyncQueueItem) error {
	if item.MaxRetries == 0 {
		item.MaxRetries = c.config.MaxRetries
	}
	return c.store.Enqueue(item)
}

// =============================================================================
// Sync operations
// =============================================================================

// SyncNow runs one full push-then-pull cycle synchronously. A second call
// while a full run is active returns ErrSyncInProgress.
func (c *Client) SyncNow() (*SyncReport, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	if !c.acquire(scopeFull) {
		return nil, ErrSyncInProgress
	}
	defer c.release(scopeFull)

	return c.runSync()
}

func (c *Client) runSync() (*SyncReport, error) {
	report := &SyncReport{StartTime: time.Now().UTC()}
	c.bus.Emit(Event{Name: EventSyncStarted})

	pushed, pushFailed, err := c.pusher.Drain()
	report.Pushed = pushed
	report.Errors += pushFailed
	if err != nil {
		report.Duration = time.Since(report.StartTime)
		c.recordSync(report, false)
		c.bus.Emit(Event{Name: EventSyncFailed, Report: report, Err: err})
		return report, err
	}

	counts, err := c.puller.PullAll()
	report.Pulled = counts.Pulled
	report.Imported = counts.Imported
	report.Merged = counts.Merged
	report.Conflicts = counts.Conflicts
	report.Errors += counts.Errors
	report.Duration = time.Since(report.StartTime)

	if err != nil {
		c.recordSync(report, false)
		c.bus.Emit(Event{Name: EventSyncFailed, Report: report, Err: err})
		return report, err
	}

	c.recordSync(report, true)
	c.bus.Emit(Event{Name: EventSyncCompleted, Report: report})
	return report, nil
}

// SyncPush drains the sync queue without pulling.
func (c *Client) SyncPush() (int, error) {
	if c.remote == nil {
		return 0, ErrOffline
	}
	if !c.acquire(scopeFull) {
		return 0, ErrSyncInProgress
	}
	defer c.release(scopeFull)

	pushed, _, err := c.pusher.Drain()
	return pushed, err
}

// SyncPull reconciles all remote collections without pushing.
func (c *Client) SyncPull() (PullCounts, error) {
	if c.remote == nil {
		return PullCounts{}, ErrOffline
	}
	if !c.acquire(scopeFull) {
		return PullCounts{}, ErrSyncInProgress
	}
	defer c.release(scopeFull)

	return c.puller.PullAll()
}

// SyncEntity reconciles one entity type. Requests are coalesced into a
// no-op when a pull for the same entity type, or a full run, is already
// active.
func (c *Client) SyncEntity(entityType EntityType) (PullCounts, error) {
	if c.remote == nil {
		return PullCounts{}, ErrOffline
	}
	if !entityType.IsValid() {
		return PullCounts{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}
	if !c.acquire(string(entityType)) {
		return PullCounts{}, nil
	}
	defer c.release(string(entityType))

	return c.puller.PullEntity(entityType)
}

// TriggerFullSync starts a full sync cycle on a background goroutine. If a
// run is already active the request is coalesced into a no-op. The outcome
// arrives through the event bus.
func (c *Client) TriggerFullSync() {
	if c.remote == nil {
		return
	}
	if !c.acquire(scopeFull) {
		return
	}
	go func() {
		defer c.release(scopeFull)
		c.runSync()
	}()
}

// acquire claims a sync scope. A full run pulls every entity type, so the
// full scope and the per-entity scopes exclude each other in both
// directions: an entity pull is refused while a full run is active, and a
// full run is refused while any entity pull is active.
func (c *Client) acquire(scope string) bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.inFlight[scope] || c.inFlight[scopeFull] {
		return false
	}
	if scope == scopeFull && len(c.inFlight) > 0 {
		return false
	}
	c.inFlight[scope] = true
	return true
}

func (c *Client) release(scope string) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	delete(c.inFlight, scope)
}

// =============================================================================
// Status and maintenance
// =============================================================================

// PendingCounts reports, per entity type, how many records carry unpushed
// local changes.
func (c *Client) PendingCounts() (map[EntityType]int, error) {
	return c.store.PendingRecordCounts()
}

// QueueStats tallies queue items by lifecycle state.
func (c *Client) QueueStats() (QueueStats, error) {
	return c.store.QueueCounts()
}

// FailedItems lists terminally failed queue items for operator attention.
func (c *Client) FailedItems() ([]*SyncQueueItem, error) {
	return c.store.FailedItems()
}

// RetryFailed returns failed queue items to pending with a fresh retry
// budget.
func (c *Client) RetryFailed() (int, error) {
	return c.store.RetryFailedItems()
}

// PendingConflicts lists conflicts awaiting human review, optionally
// filtered to one entity type. Pass "" for all.
func (c *Client) PendingConflicts(entityType EntityType) ([]*ConflictRecord, error) {
	return c.resolver.ListPendingConflicts(entityType)
}

// PendingConflictCount counts conflicts awaiting human review.
func (c *Client) PendingConflictCount() (int, error) {
	return c.store.PendingConflictCount()
}

// GetConflict loads one conflict audit entry.
func (c *Client) GetConflict(id string) (*ConflictRecord, error) {
	return c.store.GetConflict(id)
}

// ResolveConflict applies a human decision to a pending conflict and queues
// the resulting mutation for push.
func (c *Client) ResolveConflict(conflictID string, choice Choice, mergedPayload map[string]any, resolvedBy, notes string) (*ConflictRecord, error) {
	return c.resolver.Resolve(conflictID, choice, mergedPayload, resolvedBy, notes)
}

// ConflictHistory lists an entity's full conflict audit trail.
func (c *Client) ConflictHistory(entityType EntityType, entityID int64) ([]*ConflictRecord, error) {
	return c.store.ConflictHistory(entityType, entityID)
}

// RecentConflicts lists the newest audit entries regardless of state.
func (c *Client) RecentConflicts(limit int) ([]*ConflictRecord, error) {
	return c.store.RecentConflicts(limit)
}

// Sweep purges resolved conflicts and failed queue items older than the
// configured retention window. Pending conflicts are never purged.
func (c *Client) Sweep() (conflicts, queueItems int, err error) {
	cutoff := time.Now().UTC().Add(-c.config.ConflictRetention)
	conflicts, err = c.store.PurgeResolvedConflicts(cutoff)
	if err != nil {
		return 0, 0, err
	}
	queueItems, err = c.store.PurgeFailedItems(cutoff)
	if err != nil {
		return conflicts, 0, err
	}
	return conflicts, queueItems, nil
}

// Stats returns lifetime sync counters.
func (c *Client) Stats() (SyncStats, error) {
	var stats SyncStats
	raw, err := c.store.GetMeta(statsMetaKey)
	if err != nil {
		return stats, err
	}
	if raw == "" {
		return stats, nil
	}
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return SyncStats{}, fmt.Errorf("client: decode stats: %w", err)
	}
	return stats, nil
}

func (c *Client) recordSync(report *SyncReport, ok bool) {
	stats, err := c.Stats()
	if err != nil {
		c.debug.LogError("stats", err)
		return
	}
	stats.TotalSyncs++
	if ok {
		stats.SuccessfulSyncs++
	} else {
		stats.FailedSyncs++
	}
	stats.TotalPushed += report.Pushed
	stats.TotalPulled += report.Pulled
	stats.TotalConflicts += report.Conflicts
	stats.LastSync = report.StartTime

	raw, err := json.Marshal(stats)
	if err != nil {
		c.debug.LogError("stats", err)
		return
	}
	if err := c.store.SetMeta(statsMetaKey, string(raw)); err != nil {
		c.debug.LogError("stats", err)
	}
}

// Subscribe registers an event handler. An empty name subscribes to all
// events.
func (c *Client) Subscribe(name string, h EventHandler) {
	c.bus.Subscribe(name, h)
}

// Health probes the remote service. Offline clients report ErrOffline.
func (c *Client) Health() error {
	if c.remote == nil {
		return ErrOffline
	}
	return c.remote.Health()
}

// Offline reports whether the client runs without a remote store.
func (c *Client) Offline() bool {
	return c.remote == nil
}

// Close stops background sync, waits for the in-flight operation to finish
// its current item, and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopping.Store(true)
	select {
	case <-c.stopSync:
	default:
		close(c.stopSync)
	}

	select {
	case <-c.syncDone:
	case <-time.After(5 * time.Second):
	}

	err := c.store.Close()
	c.debug.Close()
	return err
}

func (c *Client) backgroundSync() {
	defer close(c.syncDone)

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSync:
			return
		case <-ticker.C:
			if c.acquire(scopeFull) {
				c.runSync()
				c.release(scopeFull)
			}
		}
	}
}
