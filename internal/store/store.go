// Package store provides the durable, local-first record store for mnemo.
//
// The store keeps typed rows (cards, review logs, notes, projects, daily
// aggregates) in an embedded SQLite database opened in WAL mode for
// concurrent reads during writes. Every local mutation writes the record
// and a change journal entry in one transaction, so the pending-change log
// can never diverge from the data it describes.
//
// Remote changes enter through UpsertFromRemote and ApplyTombstone, which
// apply last-write-wins on the per-record updated_at timestamp and never
// touch the journal (a pulled row must not be echoed back to the server).
//
// Architecture:
//   - Database file: <data dir>/mnemo.db
//   - WAL mode: concurrent readers during writes
//   - Schema: one table per record type, plus change_journal and meta
//   - meta holds the schema version and the sync checkpoint
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with record-store semantics.
// The storage engine serializes writes, so callers need no external
// locking for local consistency.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time
	ready  atomic.Bool
}

// Options configures Open. The zero value is usable.
type Options struct {
	// Logger receives store activity. Nil means a stderr logger.
	Logger *log.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Open creates or opens the database at path and runs pending schema
// migrations. The store rejects all operations until Open returns.
//
// The caller MUST call Close when done to checkpoint the WAL.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, &StorageError{Kind: KindCorruptData, Op: "open", Err: err}
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &StorageError{Kind: KindCorruptData, Op: "open", Err: err}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
		now:    now,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, &StorageError{Kind: KindCorruptData, Op: "open", Err: err}
		}
	}

	// A corrupt store must not silently serve partial state.
	var check string
	if err := conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("quick_check: %s", check)
		}
		return nil, &StorageError{Kind: KindCorruptData, Op: "open", Err: err}
	}

	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.ready.Store(true)
	return s, nil
}

// RawDB returns the underlying sql.DB connection, for integration with
// code that expects *sql.DB.
func (s *Store) RawDB() *sql.DB { return s.conn }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	s.ready.Store(false)

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// checkReady guards mutating and reading operations against use before
// initialization completes. Fails fast rather than silently queuing.
func (s *Store) checkReady(op string) error {
	if !s.ready.Load() {
		return &StorageError{Kind: KindNotReady, Op: op}
	}
	return nil
}

// nowMillis returns the current wall clock in Unix milliseconds.
func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// Get returns the record with the given id, or ErrNotFound if it does
// not exist or is a tombstone.
func (s *Store) Get(ctx context.Context, table, id string) (*Record, error) {
	if err := s.checkReady("get"); err != nil {
		return nil, err
	}
	if !KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(
		`SELECT id, payload, created_at, updated_at, deleted_at FROM %s WHERE id = ?`, table)
	rec, err := scanRecord(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	if rec.Deleted() {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Set writes payload under table/id, bumping updated_at and preserving
// created_at for existing rows. The matching change journal entry
// (INSERT for new rows, UPDATE otherwise) is written in the same
// transaction.
func (s *Store) Set(ctx context.Context, table, id string, payload json.RawMessage) (*Record, error) {
	if err := s.checkReady("set"); err != nil {
		return nil, err
	}
	if !KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	if err := ValidatePayload(table, payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := s.nowMillis()
	op := OpInsert
	createdAt := ts

	var existingCreated, existingUpdated int64
	query := fmt.Sprintf(`SELECT created_at, updated_at FROM %s WHERE id = ?`, table)
	err = tx.QueryRowContext(ctx, query, id).Scan(&existingCreated, &existingUpdated)
	switch {
	case err == nil:
		op = OpUpdate
		createdAt = existingCreated
		// updated_at never decreases, even if the wall clock stepped back.
		if ts <= existingUpdated {
			ts = existingUpdated + 1
		}
	case errors.Is(err, sql.ErrNoRows):
		// new row
	default:
		return nil, fmt.Errorf("failed to read existing %s/%s: %w", table, id, err)
	}

	upsert := fmt.Sprintf(`
	INSERT INTO %s (id, payload, created_at, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, NULL)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted_at = NULL
	`, table)
	if _, err := tx.ExecContext(ctx, upsert, id, string(payload), createdAt, ts); err != nil {
		return nil, fmt.Errorf("failed to upsert %s/%s: %w", table, id, err)
	}

	if err := appendJournal(ctx, tx, &JournalEntry{
		Op:        op,
		Table:     table,
		RowID:     id,
		Payload:   payload,
		Timestamp: ts,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &Record{ID: id, Payload: payload, CreatedAt: createdAt, UpdatedAt: ts}, nil
}

// Delete tombstones the record rather than physically removing it, so
// peers can converge on the removal. The DELETE journal entry carries a
// self-contained tombstone snapshot that does not depend on the record
// surviving in the store.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.checkReady("delete"); err != nil {
		return err
	}
	if !KnownTable(table) {
		return fmt.Errorf("unknown table %q", table)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := s.nowMillis()

	var existingUpdated int64
	query := fmt.Sprintf(`SELECT updated_at FROM %s WHERE id = ?`, table)
	err = tx.QueryRowContext(ctx, query, id).Scan(&existingUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read existing %s/%s: %w", table, id, err)
	}
	if ts <= existingUpdated {
		ts = existingUpdated + 1
	}

	update := fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?`, table)
	if _, err := tx.ExecContext(ctx, update, ts, ts, id); err != nil {
		return fmt.Errorf("failed to tombstone %s/%s: %w", table, id, err)
	}

	tombstone, err := json.Marshal(map[string]any{"id": id, "deleted_at": ts})
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone: %w", err)
	}

	if err := appendJournal(ctx, tx, &JournalEntry{
		Op:        OpDelete,
		Table:     table,
		RowID:     id,
		Payload:   tombstone,
		Timestamp: ts,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertFromRemote applies a pulled row with last-write-wins semantics:
// the remote record is accepted only if its updated_at is strictly
// greater than the local one. Ties favor local. No journal entry is
// written, so a just-pulled change is never echoed back to the server.
//
// Returns true if the remote row was applied. Applying the same row
// twice is idempotent.
func (s *Store) UpsertFromRemote(ctx context.Context, table string, remote *Record) (bool, error) {
	if err := s.checkReady("upsertFromRemote"); err != nil {
		return false, err
	}
	if !KnownTable(table) {
		return false, fmt.Errorf("unknown table %q", table)
	}
	if remote == nil || remote.ID == "" {
		return false, fmt.Errorf("remote record has no id")
	}
	// Remote rows pass the same shape check as local writes; tombstones
	// carry no meaningful payload and are exempt.
	if !remote.Deleted() {
		if err := ValidatePayload(table, remote.Payload); err != nil {
			return false, fmt.Errorf("remote %s/%s: %w: %v", table, remote.ID, ErrInvalidPayload, err)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := remote.CreatedAt
	if createdAt == 0 {
		createdAt = remote.UpdatedAt
	}

	var localCreated, localUpdated int64
	query := fmt.Sprintf(`SELECT created_at, updated_at FROM %s WHERE id = ?`, table)
	err = tx.QueryRowContext(ctx, query, remote.ID).Scan(&localCreated, &localUpdated)
	switch {
	case err == nil:
		if remote.UpdatedAt <= localUpdated {
			// Local wins; leave the row byte-for-byte unchanged.
			return false, nil
		}
		createdAt = localCreated
	case errors.Is(err, sql.ErrNoRows):
		// new row from remote
	default:
		return false, fmt.Errorf("failed to read existing %s/%s: %w", table, remote.ID, err)
	}

	upsert := fmt.Sprintf(`
	INSERT INTO %s (id, payload, created_at, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`, table)
	_, err = tx.ExecContext(ctx, upsert,
		remote.ID, string(remote.Payload), createdAt, remote.UpdatedAt, remote.DeletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote %s/%s: %w", table, remote.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ApplyTombstone applies a pulled deletion. Deleting an already-absent
// row is a silent, logged no-op, never an error, so duplicate or
// out-of-order delivery converges. No journal entry is written.
func (s *Store) ApplyTombstone(ctx context.Context, table, id string, deletedAt int64) (bool, error) {
	if err := s.checkReady("applyTombstone"); err != nil {
		return false, err
	}
	if !KnownTable(table) {
		return false, fmt.Errorf("unknown table %q", table)
	}
	if deletedAt == 0 {
		deletedAt = s.nowMillis()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var localUpdated int64
	var localDeleted sql.NullInt64
	query := fmt.Sprintf(`SELECT updated_at, deleted_at FROM %s WHERE id = ?`, table)
	err = tx.QueryRowContext(ctx, query, id).Scan(&localUpdated, &localDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Printf("tombstone for absent row %s/%s (no-op)", table, id)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read existing %s/%s: %w", table, id, err)
	}
	if localDeleted.Valid {
		// Already tombstoned locally.
		return false, nil
	}
	if deletedAt <= localUpdated {
		// A newer local write wins over the remote delete.
		return false, nil
	}

	update := fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?`, table)
	if _, err := tx.ExecContext(ctx, update, deletedAt, deletedAt, id); err != nil {
		return false, fmt.Errorf("failed to tombstone %s/%s: %w", table, id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ModifiedSince returns all rows of table, tombstones included, with
// updated_at strictly greater than since, ordered by updated_at
// ascending.
func (s *Store) ModifiedSince(ctx context.Context, table string, since int64) ([]*Record, error) {
	if err := s.checkReady("modifiedSince"); err != nil {
		return nil, err
	}
	if !KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(`
	SELECT id, payload, created_at, updated_at, deleted_at
	FROM %s
	WHERE updated_at > ?
	ORDER BY updated_at ASC
	`, table)

	rows, err := s.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query modified rows: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// All returns every live (non-tombstoned) record in the table, ordered
// by id.
func (s *Store) All(ctx context.Context, table string) ([]*Record, error) {
	if err := s.checkReady("all"); err != nil {
		return nil, err
	}
	if !KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(`
	SELECT id, payload, created_at, updated_at, deleted_at
	FROM %s
	WHERE deleted_at IS NULL
	ORDER BY id ASC
	`, table)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Keys returns the ids of all live records in the table, ordered.
func (s *Store) Keys(ctx context.Context, table string) ([]string, error) {
	if err := s.checkReady("keys"); err != nil {
		return nil, err
	}
	if !KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE deleted_at IS NULL ORDER BY id ASC`, table)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// Counts returns the number of live rows per table.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	if err := s.checkReady("counts"); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(TableOrder))
	for _, table := range TableOrder {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL`, table)
		if err := s.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// scanner abstracts *sql.Row and *sql.Rows for record scanning.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single record row.
func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var payload string
	var deletedAt sql.NullInt64

	if err := row.Scan(&rec.ID, &payload, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	if deletedAt.Valid {
		v := deletedAt.Int64
		rec.DeletedAt = &v
	}
	return &rec, nil
}

// scanRecords scans all records from query results.
func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}
