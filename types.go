package driftsync

import "time"

// EntityType identifies a synchronized ledger collection.
//
// The set is closed: every dynamic table or collection name used in a query
// is validated against this enum first, so configuration can never smuggle
// arbitrary SQL identifiers into the store.
type EntityType string

const (
	EntityAccounts       EntityType = "accounts"
	EntityClients        EntityType = "clients"
	EntityProjects       EntityType = "projects"
	EntityInvoices       EntityType = "invoices"
	EntityPayments       EntityType = "payments"
	EntityExpenses       EntityType = "expenses"
	EntityJournalEntries EntityType = "journal_entries"
	EntityQuotations     EntityType = "quotations"
)

// EntityOrder is the fixed processing order for pull runs: reference data
// first, so records that point at it resolve correctly.
var EntityOrder = []EntityType{
	EntityAccounts,
	EntityClients,
	EntityProjects,
	EntityInvoices,
	EntityPayments,
	EntityExpenses,
	EntityJournalEntries,
	EntityQuotations,
}

// businessKeys maps each entity type to the unique, domain-meaningful field
// used to match records across stores before a remote id is known.
// Transactional entities (payments, expenses, journal entries) have no
// single natural key and use a composite probe instead; see compositeKeys.
var businessKeys = map[EntityType]string{
	EntityAccounts:   "code",
	EntityClients:    "name",
	EntityProjects:   "name",
	EntityInvoices:   "invoice_number",
	EntityQuotations: "quote_number",
}

// compositeKeys lists the fields probed together for entity types without a
// single business key.
var compositeKeys = map[EntityType][]string{
	EntityPayments:       {"project_id", "amount", "date"},
	EntityExpenses:       {"category", "amount", "date"},
	EntityJournalEntries: {"reference", "date"},
}

// criticalFields lists, per entity type, the fields whose divergence must
// never be merged automatically. Entity types absent from the map never
// escalate.
var criticalFields = map[EntityType][]string{
	EntityProjects:       {"total_amount", "items", "status", "milestones", "subtotal"},
	EntityInvoices:       {"total_amount", "items", "tax_amount", "invoice_number", "subtotal"},
	EntityPayments:       {"amount", "payment_method", "date"},
	EntityExpenses:       {"amount", "category", "date"},
	EntityJournalEntries: {"lines", "date"},
	EntityAccounts:       {"balance", "code"},
	EntityQuotations:     {"total_amount", "items", "subtotal"},
}

// ignoredFields are excluded from every diff: identifiers, sync bookkeeping
// and timestamps that change on any write.
var ignoredFields = map[string]bool{
	"id":            true,
	"remote_id":     true,
	"_id":           true,
	"sync_status":   true,
	"created_at":    true,
	"updated_at":    true,
	"last_modified": true,
}

// ValidEntityTypes returns all synchronized entity types in pull order.
func ValidEntityTypes() []EntityType {
	out := make([]EntityType, len(EntityOrder))
	copy(out, EntityOrder)
	return out
}

// IsValid checks whether the entity type is part of the allow-list.
func (e EntityType) IsValid() bool {
	for _, v := range EntityOrder {
		if e == v {
			return true
		}
	}
	return false
}

// BusinessKey returns the unique matching field for the entity type, or ""
// when only a composite probe exists.
func (e EntityType) BusinessKey() string {
	return businessKeys[e]
}

// CompositeKey returns the composite matching fields for the entity type.
func (e EntityType) CompositeKey() []string {
	return compositeKeys[e]
}

// CriticalFields returns the fields frozen on conflict for the entity type.
func (e EntityType) CriticalFields() []string {
	return criticalFields[e]
}

// SyncStatus tracks a record's relationship to the remote store.
type SyncStatus string

const (
	// StatusNewLocal marks a record created offline, never pushed.
	StatusNewLocal SyncStatus = "new_local"
	// StatusSynced marks a record with no known divergence.
	StatusSynced SyncStatus = "synced"
	// StatusModifiedLocal marks a record changed locally since last push.
	StatusModifiedLocal SyncStatus = "modified_local"
)

// Record is one entity instance tracked by both stores.
type Record struct {
	LocalID      int64          `json:"local_id"`
	EntityType   EntityType     `json:"entity_type"`
	RemoteID     string         `json:"remote_id,omitempty"`
	Name         string         `json:"name,omitempty"`
	SyncStatus   SyncStatus     `json:"sync_status"`
	Fields       map[string]any `json:"fields"`
	LastModified time.Time      `json:"last_modified"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Operation is a pending local mutation kind.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// IsValid checks whether the operation is one of CREATE, UPDATE, DELETE.
func (o Operation) IsValid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Priority orders queue draining. Higher priorities drain first; within a
// priority, items drain in insertion order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank returns the sort weight used by the queue (lower drains first).
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// QueueStatus is the lifecycle state of a sync queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// SyncQueueItem is one pending local mutation awaiting push.
type SyncQueueItem struct {
	ID          int64          `json:"id"`
	EntityType  EntityType     `json:"entity_type"`
	EntityID    int64          `json:"entity_id"`
	Operation   Operation      `json:"operation"`
	Priority    Priority       `json:"priority"`
	Status      QueueStatus    `json:"status"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Payload     map[string]any `json:"payload,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Resolution is the recorded outcome of a conflict.
type Resolution string

const (
	ResolutionNoConflict     Resolution = "NO_CONFLICT"
	ResolutionAutoMerged     Resolution = "AUTO_MERGED"
	ResolutionPendingReview  Resolution = "PENDING_REVIEW"
	ResolutionLocalWins      Resolution = "LOCAL_WINS"
	ResolutionRemoteWins     Resolution = "REMOTE_WINS"
	ResolutionManualResolved Resolution = "MANUAL_RESOLVED"
)

// Terminal reports whether the resolution is a final state.
func (r Resolution) Terminal() bool {
	return r != ResolutionPendingReview
}

// Severity grades a conflict for triage.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Choice selects the winning side in manual conflict resolution.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerged Choice = "merged"
)

// IsValid checks whether the choice is local, remote or merged.
func (c Choice) IsValid() bool {
	return c == ChoiceLocal || c == ChoiceRemote || c == ChoiceMerged
}

// ConflictRecord is the durable audit entry for one detected divergence.
// Auto-merges are recorded too, for traceability; only the manual resolution
// path mutates a record after creation.
type ConflictRecord struct {
	ID                string         `json:"id"`
	EntityType        EntityType     `json:"entity_type"`
	EntityID          int64          `json:"entity_id"`
	EntityName        string         `json:"entity_name,omitempty"`
	LocalPayload      map[string]any `json:"local_payload"`
	RemotePayload     map[string]any `json:"remote_payload"`
	MergedPayload     map[string]any `json:"merged_payload,omitempty"`
	ConflictingFields []string       `json:"conflicting_fields"`
	Resolution        Resolution     `json:"resolution"`
	Severity          Severity       `json:"severity"`
	RequiresReview    bool           `json:"requires_review"`
	Winner            string         `json:"winner,omitempty"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SyncReport summarizes one sync run.
type SyncReport struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Imported  int           `json:"imported"`
	Merged    int           `json:"merged"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
}

// SyncStats accumulates counters across the client lifetime.
type SyncStats struct {
	TotalSyncs      int       `json:"total_syncs"`
	SuccessfulSyncs int       `json:"successful_syncs"`
	FailedSyncs     int       `json:"failed_syncs"`
	TotalPushed     int       `json:"total_pushed"`
	TotalPulled     int       `json:"total_pulled"`
	TotalConflicts  int       `json:"total_conflicts"`
	LastSync        time.Time `json:"last_sync"`
}

// QueueStats counts queue items by lifecycle state.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}

// Tuning defaults.
const (
	DefaultMaxRetries        = 3
	DefaultQueueBatchSize    = 100
	DefaultConflictRetention = 30 * 24 * time.Hour
	DefaultSyncInterval      = 5 * time.Minute

	// numericEpsilon absorbs floating point rounding when diffing numbers.
	numericEpsilon = 0.001
)
