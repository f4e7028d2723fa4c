package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJournal_RecordsLocalMutations(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	if _, err := st.Set(ctx, TableCards, "c1", cardPayload("q", "a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if _, err := st.Set(ctx, TableCards, "c1", cardPayload("q", "b")); err != nil {
		t.Fatalf("second Set() failed: %v", err)
	}
	if err := st.Delete(ctx, TableCards, "c1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending entries, want 3", len(pending))
	}

	wantOps := []Operation{OpInsert, OpUpdate, OpDelete}
	for i, e := range pending {
		if e.Op != wantOps[i] {
			t.Errorf("entry %d: op = %s, want %s", i, e.Op, wantOps[i])
		}
		if e.Table != TableCards || e.RowID != "c1" {
			t.Errorf("entry %d: table/row = %s/%s", i, e.Table, e.RowID)
		}
		if e.ID == "" {
			t.Errorf("entry %d: missing id", i)
		}
		if e.Synced {
			t.Errorf("entry %d: already marked synced", i)
		}
	}
}

func TestJournal_DeleteEntryIsSelfContained(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	if _, err := st.Set(ctx, TableCards, "c1", cardPayload("q", "a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := st.Delete(ctx, TableCards, "c1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	last := pending[len(pending)-1]
	if last.Op != OpDelete {
		t.Fatalf("last op = %s, want DELETE", last.Op)
	}

	// The DELETE payload carries everything a server needs; it must not
	// require a lookup in the (now tombstoned) record table.
	var body struct {
		ID        string `json:"id"`
		DeletedAt int64  `json:"deleted_at"`
	}
	if err := json.Unmarshal(last.Payload, &body); err != nil {
		t.Fatalf("delete payload is not valid JSON: %v", err)
	}
	if body.ID != "c1" || body.DeletedAt == 0 {
		t.Errorf("delete payload = %s", last.Payload)
	}
}

func TestJournal_OrderedByTimestamp(t *testing.T) {
	st, clock := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"c1", "c2", "c3"} {
		if _, err := st.Set(ctx, TableCards, id, cardPayload("q", "a")); err != nil {
			t.Fatalf("Set(%s) failed: %v", id, err)
		}
		clock.Advance(time.Duration(i+1) * time.Second)
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].Timestamp < pending[i-1].Timestamp {
			t.Errorf("entries out of order: %d before %d",
				pending[i-1].Timestamp, pending[i].Timestamp)
		}
	}
}

func TestMarkSynced(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	if _, err := st.Set(ctx, TableCards, "c1", cardPayload("q", "a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if _, err := st.Set(ctx, TableCards, "c2", cardPayload("q", "a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	ids := []string{pending[0].ID, pending[1].ID}

	if err := st.MarkSynced(ctx, ids); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	remaining, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("pending after MarkSynced = %d, want 0", remaining)
	}

	// Repeating the call is harmless.
	if err := st.MarkSynced(ctx, ids); err != nil {
		t.Errorf("repeated MarkSynced() failed: %v", err)
	}
}

func TestMarkSynced_EmptyAndUnknownIDs(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	if err := st.MarkSynced(ctx, nil); err != nil {
		t.Errorf("MarkSynced(nil) failed: %v", err)
	}
	if err := st.MarkSynced(ctx, []string{"no-such-entry"}); err != nil {
		t.Errorf("MarkSynced(unknown) failed: %v", err)
	}
}

func TestPruneSynced(t *testing.T) {
	st, clock := testStore(t)
	ctx := context.Background()

	if _, err := st.Set(ctx, TableCards, "c1", cardPayload("q", "a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := st.Set(ctx, TableCards, "c2", cardPayload("q", "a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if err := st.MarkSynced(ctx, []string{pending[0].ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	// Prune everything older than the second write. Only the synced
	// first entry qualifies; unsynced entries are never pruned.
	n, err := st.PruneSynced(ctx, pending[1].Timestamp+1)
	if err != nil {
		t.Fatalf("PruneSynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}

	remaining, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("pending after prune = %d, want 1", remaining)
	}
}
