package driftsync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Queue operations over the sync_queue table. Items move
// pending -> in_progress -> gone (completed rows are deleted) or failed.
// Dequeue order is priority rank first, then insertion order within a rank.

// Enqueue records a local mutation for later push. The payload is an
// optional snapshot of the record at mutation time; DELETE items rely on it
// once the local row is gone.
func (s *Store) Enqueue(item *SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if !item.EntityType.IsValid() {
		return fmt.Errorf("queue: %w: %q", ErrInvalidEntityType, item.EntityType)
	}
	if !item.Operation.IsValid() {
		return fmt.Errorf("queue: %w: %q", ErrInvalidOperation, item.Operation)
	}
	if item.Priority != PriorityHigh && item.Priority != PriorityMedium && item.Priority != PriorityLow {
		item.Priority = PriorityMedium
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = DefaultMaxRetries
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.Status = QueuePending

	var payloadJSON any
	if item.Payload != nil {
		b, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("queue: marshal payload: %w", err)
		}
		payloadJSON = string(b)
	}

	res, err := s.execRetry(`
		INSERT INTO sync_queue (entity_type, entity_id, operation, priority, status, retry_count, max_retries, payload, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		string(item.EntityType),
		item.EntityID,
		string(item.Operation),
		string(item.Priority),
		string(QueuePending),
		item.MaxRetries,
		payloadJSON,
		item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	item.ID, err = res.LastInsertId()
	return err
}

// DequeueNext claims the highest-priority pending item, moving it to
// in_progress in the same transaction so a second consumer cannot claim it.
// Returns ErrNotFound when the queue is drained.
func (s *Store) DequeueNext() (*SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("queue: begin dequeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, entity_type, entity_id, operation, priority, status, retry_count, max_retries, payload, last_error, last_attempt, created_at
		FROM sync_queue
		WHERE status = ?
		ORDER BY
			CASE priority WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
			id ASC
		LIMIT 1
	`, string(QueuePending))

	item, err := scanQueueItem(row)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE sync_queue SET status = ?, last_attempt = ? WHERE id = ?
	`, string(QueueInProgress), now.Format(time.RFC3339Nano), item.ID)
	if err != nil {
		return nil, fmt.Errorf("queue: claim item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit dequeue: %w", err)
	}

	item.Status = QueueInProgress
	item.LastAttempt = &now
	return item, nil
}

// CompleteQueueItem removes a successfully pushed item.
func (s *Store) CompleteQueueItem(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.execRetry(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: complete item: %w", err)
	}
	return nil
}

// FailQueueItem records a push failure. Transient failures are returned to
// pending until the retry budget is spent; permanent failures and exhausted
// items land in failed. Reports whether the item is terminally failed.
func (s *Store) FailQueueItem(item *SyncQueueItem, errMsg string, permanent bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	item.RetryCount++
	item.LastError = errMsg

	status := QueuePending
	if permanent || item.RetryCount >= item.MaxRetries {
		status = QueueFailed
	}
	item.Status = status

	_, err := s.execRetry(`
		UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ? WHERE id = ?
	`, string(status), item.RetryCount, errMsg, item.ID)
	if err != nil {
		return false, fmt.Errorf("queue: fail item: %w", err)
	}
	return status == QueueFailed, nil
}

// FailedItems lists terminally failed queue items, oldest first.
func (s *Store) FailedItems() ([]*SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, entity_type, entity_id, operation, priority, status, retry_count, max_retries, payload, last_error, last_attempt, created_at
		FROM sync_queue WHERE status = ? ORDER BY id ASC
	`, string(QueueFailed))
	if err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// RetryFailedItems returns all failed items to pending with a fresh retry
// budget. Reports how many items were revived.
func (s *Store) RetryFailedItems() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.execRetry(`
		UPDATE sync_queue SET status = ?, retry_count = 0, last_error = ''
		WHERE status = ?
	`, string(QueuePending), string(QueueFailed))
	if err != nil {
		return 0, fmt.Errorf("queue: retry failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReleaseStaleItems returns orphaned in_progress items to pending. Run at
// startup to recover from a crash mid-push.
func (s *Store) ReleaseStaleItems() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.execRetry(`
		UPDATE sync_queue SET status = ? WHERE status = ?
	`, string(QueuePending), string(QueueInProgress))
	if err != nil {
		return 0, fmt.Errorf("queue: release stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// requeueItem returns a claimed item to pending without touching its retry
// bookkeeping.
func (s *Store) requeueItem(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.execRetry(`
		UPDATE sync_queue SET status = ? WHERE id = ?
	`, string(QueuePending), id)
	return err
}

// HasPendingQueueItem reports whether a record has outbound work still in
// the queue. The pull engine uses it to avoid reconciling a record whose
// local changes have not gone out yet.
func (s *Store) HasPendingQueueItem(entityType EntityType, entityID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)
	`, string(entityType), entityID, string(QueuePending), string(QueueInProgress)).Scan(&n)
	return n > 0, err
}

// QueueCounts tallies queue items by lifecycle state.
func (s *Store) QueueCounts() (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats QueueStats
	if s.closed {
		return stats, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("queue: counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch QueueStatus(status) {
		case QueuePending:
			stats.Pending = n
		case QueueInProgress:
			stats.InProgress = n
		case QueueFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// PurgeFailedItems deletes failed items older than the cutoff.
func (s *Store) PurgeFailedItems(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.execRetry(`
		DELETE FROM sync_queue WHERE status = ? AND created_at < ?
	`, string(QueueFailed), olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("queue: purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanQueueItem(sc scanner) (*SyncQueueItem, error) {
	var item SyncQueueItem
	var entityType, operation, priority, status, createdAt string
	var payload, lastError, lastAttempt sql.NullString

	err := sc.Scan(
		&item.ID,
		&entityType,
		&item.EntityID,
		&operation,
		&priority,
		&status,
		&item.RetryCount,
		&item.MaxRetries,
		&payload,
		&lastError,
		&lastAttempt,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: scan item: %w", err)
	}

	item.EntityType = EntityType(entityType)
	item.Operation = Operation(operation)
	item.Priority = Priority(priority)
	item.Status = QueueStatus(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &item.Payload); err != nil {
			return nil, fmt.Errorf("queue: unmarshal payload: %w", err)
		}
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	if lastAttempt.Valid && lastAttempt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastAttempt.String); err == nil {
			item.LastAttempt = &t
		}
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &item, nil
}

func collectQueueItems(rows *sql.Rows) ([]*SyncQueueItem, error) {
	var items []*SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
