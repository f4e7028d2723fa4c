package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// schemaVersionKey is the meta row recording the applied migration
// version.
const schemaVersionKey = "schema_version"

// migration is one rung of the schema ladder. Steps are numbered
// monotonically and must be idempotent: each checks whether its target
// shape already exists before altering.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, name: "base schema", apply: migrateBaseSchema},
	{version: 2, name: "daily stats", apply: migrateDailyStats},
	{version: 3, name: "journal synced_at", apply: migrateJournalSyncedAt},
}

// migrate runs pending schema migrations and records the applied version
// in the meta table. Each step runs in its own transaction so a failure
// leaves the store at a well-defined version.
func (s *Store) migrate(ctx context.Context) error {
	// The meta table must exist before the version can be read.
	_, err := s.conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return &StorageError{Kind: KindMigrationFailed, Op: "migrate", Err: err}
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return &StorageError{Kind: KindMigrationFailed, Op: "migrate", Err: err}
		}

		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return &StorageError{
				Kind: KindMigrationFailed,
				Op:   "migrate",
				Err:  fmt.Errorf("step %d (%s): %w", m.version, m.name, err),
			}
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, schemaVersionKey, strconv.Itoa(m.version))
		if err != nil {
			_ = tx.Rollback()
			return &StorageError{Kind: KindMigrationFailed, Op: "migrate", Err: err}
		}

		if err := tx.Commit(); err != nil {
			return &StorageError{Kind: KindMigrationFailed, Op: "migrate", Err: err}
		}

		s.logger.Printf("applied migration %d (%s)", m.version, m.name)
		current = m.version
	}

	return nil
}

// schemaVersion reads the applied migration version from meta.
// A present-but-unparseable version means the store is corrupt.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, schemaVersionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &StorageError{Kind: KindCorruptData, Op: "migrate", Err: err}
	}

	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, &StorageError{
			Kind: KindCorruptData,
			Op:   "migrate",
			Err:  fmt.Errorf("invalid schema version %q: %w", value, err),
		}
	}
	return v, nil
}

// migrateBaseSchema creates the record tables and the change journal.
func migrateBaseSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{}
	for _, table := range []string{TableNotes, TableProjects, TableCards, TableReviewLogs} {
		stmts = append(stmts, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`, table))
	}

	stmts = append(stmts, `
	CREATE TABLE IF NOT EXISTS change_journal (
		id TEXT PRIMARY KEY,
		op TEXT NOT NULL,
		tbl TEXT NOT NULL,
		row_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_pending ON change_journal(synced, ts)`,
	)

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateDailyStats adds the daily aggregates table and the updated_at
// indexes used by incremental pulls.
func migrateDailyStats(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`, TableDailyStats),
	}
	for _, table := range TableOrder {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at)`, table, table))
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateJournalSyncedAt adds the synced_at column, checking first
// whether an earlier run already added it.
func migrateJournalSyncedAt(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, "change_journal", "synced_at")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = tx.ExecContext(ctx, `ALTER TABLE change_journal ADD COLUMN synced_at INTEGER`)
	return err
}

// columnExists checks table_info for a named column.
func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Meta reads a value from the meta key/value table. The second return
// is false when the key is absent.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkReady("meta"); err != nil {
		return "", false, err
	}

	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a value to the meta key/value table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if err := s.checkReady("setMeta"); err != nil {
		return err
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}
