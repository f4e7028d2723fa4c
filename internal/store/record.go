package store

import (
	"encoding/json"
	"fmt"
)

// Table names known to the store. Every record belongs to exactly one
// of these tables.
const (
	TableNotes      = "notes"
	TableProjects   = "projects"
	TableCards      = "cards"
	TableReviewLogs = "review_logs"
	TableDailyStats = "daily_stats"
)

// TableOrder lists tables in merge dependency order: independent parent
// tables first, then children, then grandchildren. Remote rows are merged
// in this order so foreign references always resolve.
var TableOrder = []string{
	TableNotes,
	TableProjects,
	TableCards,
	TableReviewLogs,
	TableDailyStats,
}

// Record is a typed row belonging to a table.
//
// Payload is table-specific and opaque to the sync engine: the content
// source and the scheduling engine own its fields, the store only
// validates shape, timestamps it, and diffs it.
//
// Timestamps are Unix milliseconds. UpdatedAt is monotonic for a given
// id: it never decreases across local writes or accepted remote merges.
// DeletedAt, when non-nil, marks the row as a tombstone.
type Record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	DeletedAt *int64          `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool { return r.DeletedAt != nil }

// fieldKind is the expected JSON type of a payload field.
type fieldKind int

const (
	fieldString fieldKind = iota
	fieldNumber
	fieldBool
)

// fieldSpec describes one optional or required payload field.
type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
}

// tableSpecs declares the per-table payload shape. Fields not listed here
// pass through untouched; listed fields are type-checked once at the store
// boundary. Scheduling fields (due, stability, difficulty, state) are
// supplied and consumed by the external scheduling engine.
var tableSpecs = map[string][]fieldSpec{
	TableNotes: {
		{name: "path", kind: fieldString, required: true},
		{name: "title", kind: fieldString},
	},
	TableProjects: {
		{name: "name", kind: fieldString, required: true},
		{name: "archived", kind: fieldBool},
	},
	TableCards: {
		{name: "front", kind: fieldString, required: true},
		{name: "back", kind: fieldString, required: true},
		{name: "note_id", kind: fieldString},
		{name: "project_id", kind: fieldString},
		{name: "due", kind: fieldNumber},
		{name: "stability", kind: fieldNumber},
		{name: "difficulty", kind: fieldNumber},
		{name: "state", kind: fieldNumber},
	},
	TableReviewLogs: {
		{name: "card_id", kind: fieldString, required: true},
		{name: "rating", kind: fieldNumber, required: true},
		{name: "reviewed_at", kind: fieldNumber},
		{name: "elapsed_days", kind: fieldNumber},
	},
	TableDailyStats: {
		{name: "date", kind: fieldString, required: true},
		{name: "reviews", kind: fieldNumber},
		{name: "new_cards", kind: fieldNumber},
		{name: "time_spent_ms", kind: fieldNumber},
	},
}

// KnownTable reports whether name is one of the tables the store manages.
func KnownTable(name string) bool {
	_, ok := tableSpecs[name]
	return ok
}

// ValidatePayload checks a payload against the table's field spec.
// Unknown fields are allowed; known fields must have the declared JSON
// type, and required fields must be present on non-tombstone rows.
func ValidatePayload(table string, payload json.RawMessage) error {
	specs, ok := tableSpecs[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload for %s is not a JSON object: %w", table, err)
	}

	for _, spec := range specs {
		raw, present := fields[spec.name]
		if !present || string(raw) == "null" {
			if spec.required {
				return fmt.Errorf("table %s: missing required field %q", table, spec.name)
			}
			continue
		}
		if err := checkKind(raw, spec.kind); err != nil {
			return fmt.Errorf("table %s: field %q: %w", table, spec.name, err)
		}
	}

	return nil
}

// checkKind verifies a raw JSON value has the expected type.
func checkKind(raw json.RawMessage, kind fieldKind) error {
	switch kind {
	case fieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("expected string")
		}
	case fieldNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("expected number")
		}
	case fieldBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("expected bool")
		}
	}
	return nil
}
