// Package transport implements the wire-protocol client for mnemo's
// cross-device sync: pull rows changed since a version, push pending
// operations, and classify failures into a retry-aware taxonomy.
//
// The Transport interface is the seam between the sync orchestrator and
// the protocol strategy. The shipped implementation is the full-row
// LWW-diff HTTP client (HTTPClient); an operation-log/changeset variant
// could implement the same interface, but a deployment runs exactly one
// strategy, never a hybrid.
package transport

import (
	"context"
	"encoding/json"

	"github.com/mnemo-dev/mnemo/internal/store"
)

// Operation is one journal entry on the wire.
type Operation struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Table     string          `json:"table"`
	RowID     string          `json:"rowId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// PullResponse is the server's answer to an incremental pull. Rows and
// deleted ids are grouped by table; ServerVersion is the watermark to
// record in the checkpoint once the pull is merged.
type PullResponse struct {
	Rows          map[string][]*store.Record `json:"rows"`
	DeletedIDs    map[string][]string        `json:"deletedIds"`
	ServerVersion int64                      `json:"serverVersion"`
}

// PushResponse acknowledges pushed operations. The server applies
// operations idempotently per operation id, so a push retried after an
// ambiguous network failure is safe (at-least-once delivery).
type PushResponse struct {
	Applied       int      `json:"applied"`
	ServerVersion int64    `json:"serverVersion"`
	Errors        []string `json:"errors,omitempty"`
}

// Transport is the wire-protocol client consumed by the sync
// orchestrator.
type Transport interface {
	// Pull requests rows and tombstones with version greater than since.
	// Read-only and naturally idempotent: safe to retry verbatim.
	Pull(ctx context.Context, clientID string, since int64) (*PullResponse, error)

	// Push sends pending operations in causal order.
	Push(ctx context.Context, clientID string, ops []Operation) (*PushResponse, error)

	// Health probes endpoint reachability. Connectivity probe only; not
	// required for sync correctness.
	Health(ctx context.Context) error
}

// OperationFromJournal converts a journal entry to its wire form.
func OperationFromJournal(e *store.JournalEntry) Operation {
	return Operation{
		ID:        e.ID,
		Operation: string(e.Op),
		Table:     e.Table,
		RowID:     e.RowID,
		Data:      e.Payload,
		Timestamp: e.Timestamp,
	}
}
