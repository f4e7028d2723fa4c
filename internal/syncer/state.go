package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mnemo-dev/mnemo/internal/store"
)

// checkpointKey is the meta row holding the durable sync checkpoint.
const checkpointKey = "sync_checkpoint"

// Checkpoint is the persisted sync-progress marker. It is a singleton
// per store and survives process restart. Timestamps are Unix
// milliseconds.
type Checkpoint struct {
	LastSyncedVersion int64  `json:"last_synced_version"`
	LastSyncTime      int64  `json:"last_sync_time"`
	LastError         string `json:"last_error,omitempty"`
	RetryCount        int    `json:"retry_count"`
	NextRetryTime     int64  `json:"next_retry_time,omitempty"`
}

// StateManager is the single source of truth for the sync checkpoint.
// It reads and writes through the record store's own meta table, so the
// checkpoint is covered by the same durability guarantees as the data.
//
// The checkpoint must only be mutated from within the orchestrator's
// single-flight execution; the mutex here protects the volatile retry
// cache, not concurrent syncs.
type StateManager struct {
	store *store.Store

	// Volatile retry cache: cheaper to consult when scheduling, reset on
	// process restart. The durable value is authoritative for history.
	mu            sync.Mutex
	retryCount    int
	nextRetryTime time.Time
}

// NewStateManager creates a state manager over the given store.
func NewStateManager(st *store.Store) *StateManager {
	return &StateManager{store: st}
}

// Checkpoint loads the durable checkpoint. A missing row yields the
// zero checkpoint (first sync pulls everything).
func (m *StateManager) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	value, ok, err := m.store.Meta(ctx, checkpointKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return &Checkpoint{}, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(value), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// save persists the checkpoint.
func (m *StateManager) save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := m.store.SetMeta(ctx, checkpointKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// LastSyncedVersion returns the pull watermark.
func (m *StateManager) LastSyncedVersion(ctx context.Context) (int64, error) {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	return cp.LastSyncedVersion, nil
}

// LastSyncTime returns when the last successful sync completed, or the
// zero time if none has.
func (m *StateManager) LastSyncTime(ctx context.Context) (time.Time, error) {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if cp.LastSyncTime == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(cp.LastSyncTime), nil
}

// LastSyncError returns the recorded error message, empty when the last
// sync succeeded.
func (m *StateManager) LastSyncError(ctx context.Context) (string, error) {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return "", err
	}
	return cp.LastError, nil
}

// AdvanceVersion moves the pull watermark forward without touching the
// success markers. Used when a pull merges cleanly but the push side of
// the cycle has not succeeded yet, so the next attempt does not
// redundantly re-pull.
func (m *StateManager) AdvanceVersion(ctx context.Context, version int64) error {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if version <= cp.LastSyncedVersion {
		return nil
	}
	cp.LastSyncedVersion = version
	return m.save(ctx, cp)
}

// UpdateSyncState records a fully successful sync: the new server
// version, the completion time, a cleared error, and a reset retry
// counter.
func (m *StateManager) UpdateSyncState(ctx context.Context, version int64) error {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if version > cp.LastSyncedVersion {
		cp.LastSyncedVersion = version
	}
	cp.LastSyncTime = time.Now().UnixMilli()
	cp.LastError = ""
	cp.RetryCount = 0
	cp.NextRetryTime = 0

	m.mu.Lock()
	m.retryCount = 0
	m.nextRetryTime = time.Time{}
	m.mu.Unlock()

	return m.save(ctx, cp)
}

// RecordError stores the failure message on the durable checkpoint.
func (m *StateManager) RecordError(ctx context.Context, message string) error {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return err
	}
	cp.LastError = message
	return m.save(ctx, cp)
}

// SetRetryInfo records the retry schedule durably and in the volatile
// cache.
func (m *StateManager) SetRetryInfo(ctx context.Context, count int, next time.Time) error {
	cp, err := m.Checkpoint(ctx)
	if err != nil {
		return err
	}
	cp.RetryCount = count
	cp.NextRetryTime = next.UnixMilli()

	m.mu.Lock()
	m.retryCount = count
	m.nextRetryTime = next
	m.mu.Unlock()

	return m.save(ctx, cp)
}

// RetryCount returns the volatile retry counter.
func (m *StateManager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}
