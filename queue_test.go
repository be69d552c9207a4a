package driftsync

import (
	"errors"
	"testing"
)

func enqueueItem(t *testing.T, store *Store, entityType EntityType, entityID int64, op Operation, priority Priority) *SyncQueueItem {
	t.Helper()
	item := &SyncQueueItem{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Priority:   priority,
	}
	if err := store.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return item
}

// TestEnqueue_ValidatesEntityTypeAndOperation verifies input validation.
func TestEnqueue_ValidatesEntityTypeAndOperation(t *testing.T) {
	store := newTestStore(t)

	err := store.Enqueue(&SyncQueueItem{EntityType: "widgets", EntityID: 1, Operation: OpCreate})
	if !errors.Is(err, ErrInvalidEntityType) {
		t.Errorf("expected ErrInvalidEntityType, got %v", err)
	}

	err = store.Enqueue(&SyncQueueItem{EntityType: EntityClients, EntityID: 1, Operation: "UPSERT"})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

// TestDequeueNext_PriorityThenFIFO verifies dequeue ordering: priority rank
// first, insertion order within a rank.
func TestDequeueNext_PriorityThenFIFO(t *testing.T) {
	store := newTestStore(t)

	low := enqueueItem(t, store, EntityClients, 1, OpUpdate, PriorityLow)
	medFirst := enqueueItem(t, store, EntityClients, 2, OpUpdate, PriorityMedium)
	medSecond := enqueueItem(t, store, EntityClients, 3, OpUpdate, PriorityMedium)
	high := enqueueItem(t, store, EntityClients, 4, OpUpdate, PriorityHigh)

	wantOrder := []int64{high.ID, medFirst.ID, medSecond.ID, low.ID}
	for i, wantID := range wantOrder {
		item, err := store.DequeueNext()
		if err != nil {
			t.Fatalf("DequeueNext %d failed: %v", i, err)
		}
		if item.ID != wantID {
			t.Errorf("dequeue %d = item %d, want %d", i, item.ID, wantID)
		}
		if item.Status != QueueInProgress {
			t.Errorf("dequeued item status = %s, want in_progress", item.Status)
		}
	}

	if _, err := store.DequeueNext(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty queue, got %v", err)
	}
}

// TestDequeueNext_SkipsClaimedItems verifies a claimed item is not handed
// out twice.
func TestDequeueNext_SkipsClaimedItems(t *testing.T) {
	store := newTestStore(t)
	first := enqueueItem(t, store, EntityClients, 1, OpUpdate, PriorityMedium)
	second := enqueueItem(t, store, EntityClients, 2, OpUpdate, PriorityMedium)

	got1, err := store.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	got2, err := store.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got1.ID != first.ID || got2.ID != second.ID {
		t.Errorf("got %d then %d, want %d then %d", got1.ID, got2.ID, first.ID, second.ID)
	}
}

// TestCompleteQueueItem_RemovesRow verifies completed items are deleted.
func TestCompleteQueueItem_RemovesRow(t *testing.T) {
	store := newTestStore(t)
	enqueueItem(t, store, EntityClients, 1, OpCreate, PriorityMedium)

	item, err := store.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if err := store.CompleteQueueItem(item.ID); err != nil {
		t.Fatalf("CompleteQueueItem failed: %v", err)
	}

	stats, err := store.QueueCounts()
	if err != nil {
		t.Fatalf("QueueCounts failed: %v", err)
	}
	if stats.Pending+stats.InProgress+stats.Failed != 0 {
		t.Errorf("expected empty queue, got %+v", stats)
	}
}

// TestFailQueueItem_RetryBound verifies an always-failing item lands in
// FAILED after exactly max_retries attempts, never more.
func TestFailQueueItem_RetryBound(t *testing.T) {
	store := newTestStore(t)
	enqueueItem(t, store, EntityClients, 1, OpUpdate, PriorityMedium)

	attempts := 0
	for {
		item, err := store.DequeueNext()
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			t.Fatalf("DequeueNext failed: %v", err)
		}
		attempts++
		terminal, err := store.FailQueueItem(item, "connection refused", false)
		if err != nil {
			t.Fatalf("FailQueueItem failed: %v", err)
		}
		if terminal {
			break
		}
		if attempts > DefaultMaxRetries+1 {
			t.Fatal("item retried past its budget")
		}
	}

	if attempts != DefaultMaxRetries {
		t.Errorf("attempts = %d, want exactly %d", attempts, DefaultMaxRetries)
	}

	failed, err := store.FailedItems()
	if err != nil {
		t.Fatalf("FailedItems failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed item, got %d", len(failed))
	}
	if failed[0].RetryCount != DefaultMaxRetries {
		t.Errorf("retry count = %d, want %d", failed[0].RetryCount, DefaultMaxRetries)
	}
	if failed[0].LastError != "connection refused" {
		t.Errorf("last error = %q", failed[0].LastError)
	}
}

// TestFailQueueItem_PermanentSkipsRetries verifies validation-style failures
// go straight to FAILED on the first attempt.
func TestFailQueueItem_PermanentSkipsRetries(t *testing.T) {
	store := newTestStore(t)
	enqueueItem(t, store, EntityClients, 1, OpUpdate, PriorityMedium)

	item, err := store.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	terminal, err := store.FailQueueItem(item, "malformed payload", true)
	if err != nil {
		t.Fatalf("FailQueueItem failed: %v", err)
	}
	if !terminal {
		t.Error("expected permanent failure to be terminal immediately")
	}
	if _, err := store.DequeueNext(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected empty queue after permanent failure, got %v", err)
	}
}

// TestRetryFailedItems_RevivesWithFreshBudget verifies operator requeue.
func TestRetryFailedItems_RevivesWithFreshBudget(t *testing.T) {
	store := newTestStore(t)
	enqueueItem(t, store, EntityClients, 1, OpUpdate, PriorityMedium)

	item, _ := store.DequeueNext()
	if _, err := store.FailQueueItem(item, "boom", true); err != nil {
		t.Fatalf("FailQueueItem failed: %v", err)
	}

	n, err := store.RetryFailedItems()
	if err != nil {
		t.Fatalf("RetryFailedItems failed: %v", err)
	}
	if n != 1 {
		t.Errorf("revived = %d, want 1", n)
	}

	revived, err := store.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext after retry failed: %v", err)
	}
	if revived.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", revived.RetryCount)
	}
}

// TestReleaseStaleItems_RecoversInProgress verifies crash recovery returns
// claimed items to pending.
func TestReleaseStaleItems_RecoversInProgress(t *testing.T) {
	store := newTestStore(t)
	enqueueItem(t, store, EntityClients, 1, OpUpdate, PriorityMedium)

	if _, err := store.DequeueNext(); err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}

	n, err := store.ReleaseStaleItems()
	if err != nil {
		t.Fatalf("ReleaseStaleItems failed: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}
	if _, err := store.DequeueNext(); err != nil {
		t.Errorf("expected item back in pending, got %v", err)
	}
}

// TestEnqueue_PayloadRoundTrip verifies payload snapshots survive storage.
func TestEnqueue_PayloadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	item := &SyncQueueItem{
		EntityType: EntityInvoices,
		EntityID:   5,
		Operation:  OpDelete,
		Priority:   PriorityHigh,
		Payload:    map[string]any{"remote_id": "hub-9"},
	}
	if err := store.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	loaded, err := store.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if loaded.Payload["remote_id"] != "hub-9" {
		t.Errorf("payload = %v", loaded.Payload)
	}
}

// TestHasPendingQueueItem verifies the outbound-work probe used by pull.
func TestHasPendingQueueItem(t *testing.T) {
	store := newTestStore(t)
	enqueueItem(t, store, EntityClients, 42, OpUpdate, PriorityMedium)

	pending, err := store.HasPendingQueueItem(EntityClients, 42)
	if err != nil {
		t.Fatalf("HasPendingQueueItem failed: %v", err)
	}
	if !pending {
		t.Error("expected pending work for clients/42")
	}

	pending, err = store.HasPendingQueueItem(EntityClients, 43)
	if err != nil {
		t.Fatalf("HasPendingQueueItem failed: %v", err)
	}
	if pending {
		t.Error("expected no pending work for clients/43")
	}
}
