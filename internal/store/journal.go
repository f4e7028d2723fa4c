package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a journal entry documents.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// JournalEntry is one pending local mutation awaiting push.
//
// Entries are immutable once created: they are written in the same
// transaction as the record mutation they describe, marked synced exactly
// once after the server acknowledges them, and eventually pruned.
//
// The payload snapshot is sufficient to replay the operation remotely.
// For DELETE it is a minimal self-contained tombstone, so the entry does
// not depend on the deleted record still existing in the store.
type JournalEntry struct {
	ID        string          `json:"id"`
	Op        Operation       `json:"operation"`
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// appendJournal writes an entry inside the caller's transaction. Always
// called from the same atomic unit as the record mutation, never as a
// separate write.
func appendJournal(ctx context.Context, tx *sql.Tx, e *JournalEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	query := `
	INSERT INTO change_journal (id, op, tbl, row_id, payload, ts, synced)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	`
	_, err := tx.ExecContext(ctx, query,
		e.ID, string(e.Op), e.Table, e.RowID, string(e.Payload), e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Pending returns all unsynced journal entries ordered by timestamp
// ascending, preserving causal push order.
func (s *Store) Pending(ctx context.Context) ([]*JournalEntry, error) {
	if err := s.checkReady("pending"); err != nil {
		return nil, err
	}

	query := `
	SELECT id, op, tbl, row_id, payload, ts, synced
	FROM change_journal
	WHERE synced = 0
	ORDER BY ts ASC, id ASC
	`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		var op, payload string
		var synced int
		if err := rows.Scan(&e.ID, &op, &e.Table, &e.RowID, &payload, &e.Timestamp, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Op = Operation(op)
		e.Payload = json.RawMessage(payload)
		e.Synced = synced != 0
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}

// PendingCount returns the number of unsynced journal entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	if err := s.checkReady("pendingCount"); err != nil {
		return 0, err
	}
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_journal WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// MarkSynced flags the given entries as acknowledged by the server.
// Idempotent: marking an already-synced or unknown id is a no-op, not an
// error.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if err := s.checkReady("markSynced"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(
		`UPDATE change_journal SET synced = 1, synced_at = ? WHERE id IN (%s) AND synced = 0`,
		placeholders)

	args := make([]any, 0, len(ids)+1)
	args = append(args, s.nowMillis())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark entries synced: %w", err)
	}
	return nil
}

// PruneSynced deletes acknowledged journal entries whose timestamp is
// older than olderThan, and returns how many were removed. Tombstone
// DELETE entries are safe to prune because their payload snapshot is
// self-contained.
func (s *Store) PruneSynced(ctx context.Context, olderThan int64) (int64, error) {
	if err := s.checkReady("pruneSynced"); err != nil {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM change_journal WHERE synced = 1 AND ts < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune count: %w", err)
	}
	return n, nil
}
