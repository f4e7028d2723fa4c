// Package snapshot provides JSONL export and import of store contents,
// for backups and for moving a library between devices without a sync
// server.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mnemo-dev/mnemo/internal/store"
)

// Line is one JSONL record: a table name plus the full row, tombstones
// included.
type Line struct {
	Table  string        `json:"table"`
	Record *store.Record `json:"record"`
}

// ExportOptions configures Export.
type ExportOptions struct {
	// Tables restricts which tables are exported. Empty means all, in
	// dependency order.
	Tables []string

	// Since exports only rows with updated_at greater than this Unix
	// millisecond timestamp. Zero exports everything.
	Since int64
}

// Result contains statistics about an export or import.
type Result struct {
	Records  int
	PerTable map[string]int
	Skipped  int // import only: rows the local store won via LWW
	Errors   []string
}

// Export writes store rows as JSONL to w.
func Export(ctx context.Context, st *store.Store, w io.Writer, opts ExportOptions) (*Result, error) {
	tables := opts.Tables
	if len(tables) == 0 {
		tables = store.TableOrder
	}

	res := &Result{PerTable: make(map[string]int)}
	enc := json.NewEncoder(w)

	for _, table := range tables {
		if !store.KnownTable(table) {
			return nil, fmt.Errorf("unknown table %q", table)
		}

		recs, err := st.ModifiedSince(ctx, table, opts.Since)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}

		for _, rec := range recs {
			if err := enc.Encode(Line{Table: table, Record: rec}); err != nil {
				return nil, fmt.Errorf("failed to encode %s/%s: %w", table, rec.ID, err)
			}
			res.Records++
			res.PerTable[table]++
		}
	}

	return res, nil
}

// ExportFile writes store rows as JSONL to path.
func ExportFile(ctx context.Context, st *store.Store, path string, opts ExportOptions) (*Result, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	res, err := Export(ctx, st, w, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export file: %w", err)
	}
	return res, nil
}

// Import reads JSONL from r and applies each row through the store's
// LWW merge, so importing never clobbers newer local data. Malformed
// lines are collected as errors and do not stop the import.
func Import(ctx context.Context, st *store.Store, r io.Reader) (*Result, error) {
	res := &Result{PerTable: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		if !store.KnownTable(line.Table) || line.Record == nil || line.Record.ID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: invalid record", lineNo))
			continue
		}

		applied, err := st.UpsertFromRemote(ctx, line.Table, line.Record)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		if applied {
			res.Records++
			res.PerTable[line.Table]++
		} else {
			res.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read import stream: %w", err)
	}

	return res, nil
}

// ImportFile reads JSONL from path into the store.
func ImportFile(ctx context.Context, st *store.Store, path string) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	return Import(ctx, st, f)
}
