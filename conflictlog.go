package driftsync

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Conflict audit trail. Every detected divergence, including auto-merged
// ones, gets a row here. Only PENDING_REVIEW rows are mutable, and only
// through ResolveConflictRecord.

func newConflictID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// InsertConflict appends an audit entry, assigning its id.
func (s *Store) InsertConflict(c *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if c.ID == "" {
		c.ID = newConflictID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	localJSON, err := json.Marshal(c.LocalPayload)
	if err != nil {
		return fmt.Errorf("conflict: marshal local payload: %w", err)
	}
	remoteJSON, err := json.Marshal(c.RemotePayload)
	if err != nil {
		return fmt.Errorf("conflict: marshal remote payload: %w", err)
	}
	var mergedJSON any
	if c.MergedPayload != nil {
		b, err := json.Marshal(c.MergedPayload)
		if err != nil {
			return fmt.Errorf("conflict: marshal merged payload: %w", err)
		}
		mergedJSON = string(b)
	}
	fieldsJSON, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return fmt.Errorf("conflict: marshal fields: %w", err)
	}

	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.execRetry(`
		INSERT INTO conflict_log (id, entity_type, entity_id, entity_name, local_payload, remote_payload, merged_payload, conflicting_fields, resolution, severity, requires_review, winner, resolved_by, resolved_at, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		string(c.EntityType),
		c.EntityID,
		c.EntityName,
		string(localJSON),
		string(remoteJSON),
		mergedJSON,
		string(fieldsJSON),
		string(c.Resolution),
		string(c.Severity),
		boolToInt(c.RequiresReview),
		nullString(c.Winner),
		nullString(c.ResolvedBy),
		resolvedAt,
		c.Notes,
		c.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("conflict: insert: %w", err)
	}
	return nil
}

// GetConflict loads an audit entry by id.
func (s *Store) GetConflict(id string) (*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(conflictSelect+` WHERE id = ?`, id)
	return scanConflict(row)
}

// PendingConflicts lists entries awaiting human review, oldest first.
func (s *Store) PendingConflicts() ([]*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(conflictSelect+`
		WHERE resolution = ? ORDER BY created_at ASC
	`, string(ResolutionPendingReview))
	if err != nil {
		return nil, fmt.Errorf("conflict: list pending: %w", err)
	}
	defer rows.Close()
	return collectConflicts(rows)
}

// PendingConflictCount counts entries awaiting human review.
func (s *Store) PendingConflictCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM conflict_log WHERE resolution = ?
	`, string(ResolutionPendingReview)).Scan(&n)
	return n, err
}

// HasActiveConflict reports whether an entity already has an unresolved
// conflict, so repeated pulls do not stack duplicates.
func (s *Store) HasActiveConflict(entityType EntityType, entityID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM conflict_log
		WHERE entity_type = ? AND entity_id = ? AND resolution = ?
	`, string(entityType), entityID, string(ResolutionPendingReview)).Scan(&n)
	return n > 0, err
}

// ResolveConflictRecord moves a pending entry to its terminal state. The
// transition is guarded in the WHERE clause so resolving twice, or resolving
// an auto-merged entry, fails with ErrConflictResolved.
func (s *Store) ResolveConflictRecord(id string, resolution Resolution, winner, resolvedBy, notes string, finalPayload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var mergedJSON any
	if finalPayload != nil {
		b, err := json.Marshal(finalPayload)
		if err != nil {
			return fmt.Errorf("conflict: marshal final payload: %w", err)
		}
		mergedJSON = string(b)
	}

	res, err := s.execRetry(`
		UPDATE conflict_log
		SET resolution = ?, winner = ?, resolved_by = ?, resolved_at = ?, notes = ?,
		    merged_payload = COALESCE(?, merged_payload),
		    requires_review = 0
		WHERE id = ? AND resolution = ?
	`,
		string(resolution),
		winner,
		resolvedBy,
		time.Now().UTC().Format(time.RFC3339Nano),
		notes,
		mergedJSON,
		id,
		string(ResolutionPendingReview),
	)
	if err != nil {
		return fmt.Errorf("conflict: resolve: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a missing row from an already-terminal one.
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM conflict_log WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflictResolved
	}
	return nil
}

// RecentConflicts lists the newest audit entries across all entity types,
// regardless of state. limit <= 0 means no cap.
func (s *Store) RecentConflicts(limit int) ([]*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := conflictSelect + ` ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("conflict: recent: %w", err)
	}
	defer rows.Close()
	return collectConflicts(rows)
}

// ConflictHistory lists an entity's full audit trail, newest first.
func (s *Store) ConflictHistory(entityType EntityType, entityID int64) ([]*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(conflictSelect+`
		WHERE entity_type = ? AND entity_id = ? ORDER BY created_at DESC
	`, string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("conflict: history: %w", err)
	}
	defer rows.Close()
	return collectConflicts(rows)
}

// PurgeResolvedConflicts deletes terminal entries older than the cutoff.
// Pending entries are never purged.
func (s *Store) PurgeResolvedConflicts(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.execRetry(`
		DELETE FROM conflict_log
		WHERE resolution != ? AND created_at < ?
	`, string(ResolutionPendingReview), olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("conflict: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const conflictSelect = `
	SELECT id, entity_type, entity_id, entity_name, local_payload, remote_payload, merged_payload, conflicting_fields, resolution, severity, requires_review, winner, resolved_by, resolved_at, notes, created_at
	FROM conflict_log
`

func scanConflict(sc scanner) (*ConflictRecord, error) {
	var c ConflictRecord
	var entityType, resolution, severity, createdAt string
	var localJSON, remoteJSON, fieldsJSON string
	var mergedJSON, winner, resolvedBy, resolvedAt sql.NullString
	var requiresReview int

	err := sc.Scan(
		&c.ID,
		&entityType,
		&c.EntityID,
		&c.EntityName,
		&localJSON,
		&remoteJSON,
		&mergedJSON,
		&fieldsJSON,
		&resolution,
		&severity,
		&requiresReview,
		&winner,
		&resolvedBy,
		&resolvedAt,
		&c.Notes,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conflict: scan: %w", err)
	}

	c.EntityType = EntityType(entityType)
	c.Resolution = Resolution(resolution)
	c.Severity = Severity(severity)
	c.RequiresReview = requiresReview != 0
	if err := json.Unmarshal([]byte(localJSON), &c.LocalPayload); err != nil {
		return nil, fmt.Errorf("conflict: unmarshal local payload: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteJSON), &c.RemotePayload); err != nil {
		return nil, fmt.Errorf("conflict: unmarshal remote payload: %w", err)
	}
	if mergedJSON.Valid && mergedJSON.String != "" {
		if err := json.Unmarshal([]byte(mergedJSON.String), &c.MergedPayload); err != nil {
			return nil, fmt.Errorf("conflict: unmarshal merged payload: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &c.ConflictingFields); err != nil {
		return nil, fmt.Errorf("conflict: unmarshal fields: %w", err)
	}
	if winner.Valid {
		c.Winner = winner.String
	}
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			c.ResolvedAt = &t
		}
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &c, nil
}

func collectConflicts(rows *sql.Rows) ([]*ConflictRecord, error) {
	var out []*ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
