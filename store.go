package driftsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucentapps/driftsync/internal/store/migrations"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// Lock contention on the local store is retried transparently a small fixed
// number of times before surfacing.
const (
	lockRetries    = 3
	lockRetryDelay = 50 * time.Millisecond
)

// Store manages the local SQLite ledger database.
//
// The underlying engine is not safely concurrent across goroutines without
// coordination, so every statement or transaction runs under a single lock.
// Remote I/O must never happen while the lock is held.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewStore opens or creates a local ledger store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, schemaVersion)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// isLockError reports whether err is SQLite lock contention.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// execRetry runs a write statement, retrying transparently on lock
// contention. Callers must hold s.mu.
func (s *Store) execRetry(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	b := retry.WithMaxRetries(lockRetries, retry.NewConstant(lockRetryDelay))
	err := retry.Do(context.Background(), b, func(ctx context.Context) error {
		var err error
		res, err = s.db.Exec(query, args...)
		if isLockError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return res, err
}

// =============================================================================
// Record operations
// =============================================================================

// InsertRecord persists a record and assigns its local id.
// Used both by domain writes and by pull imports (which arrive pre-linked to
// a remote id and already synced).
func (s *Store) InsertRecord(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if !rec.EntityType.IsValid() {
		return fmt.Errorf("store: %w: %q", ErrInvalidEntityType, rec.EntityType)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = now
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = StatusNewLocal
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("store: marshal fields: %w", err)
	}

	res, err := s.execRetry(`
		INSERT INTO records (entity_type, remote_id, name, sync_status, fields, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(rec.EntityType),
		nullString(rec.RemoteID),
		rec.Name,
		string(rec.SyncStatus),
		string(fieldsJSON),
		rec.LastModified.Format(time.RFC3339Nano),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert record: %w", err)
	}

	rec.LocalID, err = res.LastInsertId()
	return err
}

// UpdateRecord replaces a record's payload and bookkeeping columns.
func (s *Store) UpdateRecord(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("store: marshal fields: %w", err)
	}

	res, err := s.execRetry(`
		UPDATE records
		SET remote_id = ?, name = ?, sync_status = ?, fields = ?, last_modified = ?
		WHERE entity_type = ? AND id = ?
	`,
		nullString(rec.RemoteID),
		rec.Name,
		string(rec.SyncStatus),
		string(fieldsJSON),
		rec.LastModified.Format(time.RFC3339Nano),
		string(rec.EntityType),
		rec.LocalID,
	)
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord removes a record from the local store.
func (s *Store) DeleteRecord(entityType EntityType, localID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.execRetry(`
		DELETE FROM records WHERE entity_type = ? AND id = ?
	`, string(entityType), localID)
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	return nil
}

// GetRecord loads a record by entity type and local id.
func (s *Store) GetRecord(entityType EntityType, localID int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT id, entity_type, remote_id, name, sync_status, fields, last_modified, created_at
		FROM records WHERE entity_type = ? AND id = ?
	`, string(entityType), localID)
	return scanRecord(row)
}

// FindByRemoteID locates the local counterpart of a remote record.
func (s *Store) FindByRemoteID(entityType EntityType, remoteID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if remoteID == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRow(`
		SELECT id, entity_type, remote_id, name, sync_status, fields, last_modified, created_at
		FROM records WHERE entity_type = ? AND remote_id = ?
	`, string(entityType), remoteID)
	return scanRecord(row)
}

// FindByBusinessKey locates a record by its unique business field.
//
// The field name is interpolated into a json_extract path, so it is checked
// against the entity type's configured keys first; anything else is
// rejected. This is the injection guard for configuration-driven matching.
func (s *Store) FindByBusinessKey(entityType EntityType, field string, value any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if !allowedKeyField(entityType, field) {
		return nil, fmt.Errorf("store: field %q not a configured key for %s", field, entityType)
	}

	query := fmt.Sprintf(`
		SELECT id, entity_type, remote_id, name, sync_status, fields, last_modified, created_at
		FROM records
		WHERE entity_type = ? AND json_extract(fields, '$.%s') = ?
		LIMIT 1
	`, field)
	row := s.db.QueryRow(query, string(entityType), value)
	return scanRecord(row)
}

// FindByCompositeKey locates a record by probing several fields together.
// Used for transactional entities with no single natural key.
func (s *Store) FindByCompositeKey(entityType EntityType, probe map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if len(probe) == 0 {
		return nil, ErrNotFound
	}

	var clauses []string
	args := []any{string(entityType)}
	for _, field := range entityType.CompositeKey() {
		val, ok := probe[field]
		if !ok || val == nil {
			return nil, ErrNotFound
		}
		clauses = append(clauses, fmt.Sprintf("json_extract(fields, '$.%s') = ?", field))
		args = append(args, val)
	}
	if len(clauses) == 0 {
		return nil, ErrNotFound
	}

	query := `
		SELECT id, entity_type, remote_id, name, sync_status, fields, last_modified, created_at
		FROM records
		WHERE entity_type = ? AND ` + strings.Join(clauses, " AND ") + `
		LIMIT 1
	`
	row := s.db.QueryRow(query, args...)
	return scanRecord(row)
}

// SetRemoteID links a record to its remote counterpart and marks it synced.
// Called by the push engine after a successful CREATE or a merge-by-key.
func (s *Store) SetRemoteID(entityType EntityType, localID int64, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.execRetry(`
		UPDATE records SET remote_id = ?, sync_status = ?
		WHERE entity_type = ? AND id = ?
	`, remoteID, string(StatusSynced), string(entityType), localID)
	if err != nil {
		return fmt.Errorf("store: set remote id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRecordSynced clears a record's divergence marker.
func (s *Store) MarkRecordSynced(entityType EntityType, localID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.execRetry(`
		UPDATE records SET sync_status = ?
		WHERE entity_type = ? AND id = ?
	`, string(StatusSynced), string(entityType), localID)
	return err
}

// PendingRecordCounts returns, per entity type, how many records carry
// local changes not yet pushed.
func (s *Store) PendingRecordCounts() (map[EntityType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT entity_type, COUNT(*) FROM records
		WHERE sync_status != ?
		GROUP BY entity_type
	`, string(StatusSynced))
	if err != nil {
		return nil, fmt.Errorf("store: pending counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[EntityType]int)
	for rows.Next() {
		var et string
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		counts[EntityType(et)] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// Metadata
// =============================================================================

// GetMeta reads a metadata value, returning "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta upserts a metadata value.
func (s *Store) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.execRetry(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// =============================================================================
// Scan helpers
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var entityType, syncStatus, fieldsJSON, lastModified, createdAt string
	var remoteID sql.NullString

	err := sc.Scan(
		&rec.LocalID,
		&entityType,
		&remoteID,
		&rec.Name,
		&syncStatus,
		&fieldsJSON,
		&lastModified,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan record: %w", err)
	}

	rec.EntityType = EntityType(entityType)
	rec.SyncStatus = SyncStatus(syncStatus)
	if remoteID.Valid {
		rec.RemoteID = remoteID.String
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("store: unmarshal fields: %w", err)
	}
	rec.LastModified, _ = time.Parse(time.RFC3339Nano, lastModified)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rec, nil
}

// allowedKeyField reports whether field is a configured matching key for the
// entity type. Only allow-listed fields may be interpolated into queries.
func allowedKeyField(entityType EntityType, field string) bool {
	if field == "" {
		return false
	}
	if entityType.BusinessKey() == field {
		return true
	}
	for _, f := range entityType.CompositeKey() {
		if f == field {
			return true
		}
	}
	return false
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
