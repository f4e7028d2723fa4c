// Package syncer drives mnemo's pull→merge→push sync cycle.
//
// The orchestrator is a small state machine (Idle → Syncing → Idle or
// Error) with a single-flight guard: one sync per process at a time, a
// concurrent call returns an explicit busy result instead of queuing.
// Cross-device concurrency is resolved entirely by last-write-wins merge
// in the record store; there are no distributed locks.
//
// There is no mid-flight cancellation: once pull or push has started the
// cycle runs to completion, success, or failure. Cancellation only
// prevents a future sync (disable, or clear the pending retry timer).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemo-dev/mnemo/internal/events"
	"github.com/mnemo-dev/mnemo/internal/store"
	"github.com/mnemo-dev/mnemo/internal/transport"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	// StateError is entered on failure and left on the next successful
	// manual or scheduled sync.
	StateError State = "error"
)

// Status classifies a Sync call's outcome.
type Status string

const (
	// StatusSuccess means the full cycle completed.
	StatusSuccess Status = "success"
	// StatusBusy means another sync was already in flight; no network
	// calls were made.
	StatusBusy Status = "busy"
	// StatusDisabled means preconditions (enabled + endpoint +
	// credential) were not met.
	StatusDisabled Status = "disabled"
	// StatusFailed means a phase failed; Result.Err carries the cause.
	StatusFailed Status = "failed"
)

// Result describes one Sync call.
type Result struct {
	Status        Status
	Pulled        int // remote rows and tombstones applied locally
	Pushed        int // journal entries acknowledged by the server
	ServerVersion int64
	Err           *transport.SyncError
	// RetryIn is non-zero when a retry was scheduled for a retryable
	// failure.
	RetryIn time.Duration
}

// Success reports whether the cycle completed.
func (r Result) Success() bool { return r.Status == StatusSuccess }

// Config configures the orchestrator.
type Config struct {
	// ClientID identifies this device to the server. Supplied by the
	// identity provider.
	ClientID string

	// Enabled gates all syncing.
	Enabled bool

	// Authenticated reports whether a usable credential exists. Nil
	// means assumed true (the transport will surface auth errors).
	Authenticated func() bool

	// Retry is the backoff policy for retryable failures.
	Retry RetryPolicy

	// Logger receives orchestrator activity. Nil means stderr.
	Logger *log.Logger
}

// Syncer owns the sync cycle, the retry schedule, and the single-flight
// guard.
type Syncer struct {
	store     *store.Store
	transport transport.Transport
	state     *StateManager
	bus       *events.Bus
	cfg       Config
	logger    *log.Logger

	inFlight atomic.Bool
	failed   atomic.Bool

	retryMu    sync.Mutex
	retryTimer *time.Timer
}

// New creates a Syncer. The bus may be nil when no observers exist.
func New(st *store.Store, tr transport.Transport, state *StateManager, bus *events.Bus, cfg Config) *Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Syncer{
		store:     st,
		transport: tr,
		state:     state,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// State returns the current lifecycle state.
func (s *Syncer) State() State {
	if s.inFlight.Load() {
		return StateSyncing
	}
	if s.failed.Load() {
		return StateError
	}
	return StateIdle
}

// CanSync reports whether sync preconditions hold: feature enabled and
// endpoint+credential configured.
func (s *Syncer) CanSync() bool {
	if !s.cfg.Enabled || s.transport == nil || s.cfg.ClientID == "" {
		return false
	}
	if s.cfg.Authenticated != nil && !s.cfg.Authenticated() {
		return false
	}
	return true
}

// Sync runs one pull→merge→push cycle.
//
// A call arriving while a sync is in flight returns immediately with
// StatusBusy rather than queuing or blocking. Local reads and writes on
// the store remain available for the duration.
func (s *Syncer) Sync(ctx context.Context) Result {
	if !s.CanSync() {
		return Result{Status: StatusDisabled}
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return Result{Status: StatusBusy}
	}
	defer s.inFlight.Store(false)

	s.publish(events.Event{Type: events.TypeSyncStarted})
	start := time.Now()

	res := s.run(ctx)

	switch res.Status {
	case StatusSuccess:
		s.failed.Store(false)
		s.cancelRetryLocked()
		s.publish(events.Event{
			Type: events.TypeSyncCompleted,
			Data: events.SyncCompletedData{
				Pulled:        res.Pulled,
				Pushed:        res.Pushed,
				ServerVersion: res.ServerVersion,
				Duration:      time.Since(start),
			},
		})
	case StatusFailed:
		s.failed.Store(true)
		res.RetryIn = s.handleFailure(ctx, res.Err)
		s.publish(events.Event{
			Type: events.TypeSyncFailed,
			Data: events.SyncFailedData{
				Kind:      string(res.Err.Kind),
				Message:   res.Err.Error(),
				Retryable: res.Err.Retryable(),
			},
		})
	}

	return res
}

// run executes the sync phases. The snapshot of pending local changes is
// taken before the pull so just-pulled rows are never echoed back to the
// server.
func (s *Syncer) run(ctx context.Context) Result {
	cp, err := s.state.Checkpoint(ctx)
	if err != nil {
		return failure(err)
	}

	// Phase 1: snapshot pending local changes (anti-echo ordering).
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return failure(err)
	}
	s.progress("snapshot", len(pending))

	// Phase 2: pull rows and tombstones newer than the watermark.
	pull, err := s.transport.Pull(ctx, s.cfg.ClientID, cp.LastSyncedVersion)
	if err != nil {
		return failure(err)
	}
	s.progress("pull", pullSize(pull))

	// Phase 3: merge pulled rows via LWW in dependency order, parents
	// before children, so foreign references always resolve.
	applied, err := s.merge(ctx, pull)
	if err != nil {
		return failure(err)
	}
	s.progress("merge", applied)

	// Pull side is durable from here: advance the watermark even if the
	// push below fails, so the next attempt does not re-pull.
	if err := s.state.AdvanceVersion(ctx, pull.ServerVersion); err != nil {
		return failure(err)
	}

	// Phase 4: push the phase-1 snapshot.
	serverVersion := pull.ServerVersion
	pushed := 0
	if len(pending) > 0 {
		ops := make([]transport.Operation, len(pending))
		for i, e := range pending {
			ops[i] = transport.OperationFromJournal(e)
		}

		resp, err := s.transport.Push(ctx, s.cfg.ClientID, ops)
		if err != nil {
			return failure(err)
		}

		// Acknowledge the journal only when the server accepted the whole
		// batch. On partial rejection every entry stays pending: the server
		// applies idempotently per operation id, so re-pushing accepted ops
		// is safe, while rejected ops remain visible instead of vanishing
		// from the journal.
		if len(resp.Errors) == 0 && resp.Applied == len(ops) {
			ids := make([]string, len(pending))
			for i, e := range pending {
				ids[i] = e.ID
			}
			if err := s.store.MarkSynced(ctx, ids); err != nil {
				return failure(err)
			}
		} else {
			for _, msg := range resp.Errors {
				s.logger.Printf("server rejected operation: %s", msg)
			}
			s.logger.Printf("push partially applied (%d/%d): entries left pending", resp.Applied, len(ops))
		}

		pushed = resp.Applied
		if resp.ServerVersion > serverVersion {
			serverVersion = resp.ServerVersion
		}
	}
	s.progress("push", pushed)

	// Phase 5: persist the checkpoint only after the phases succeeded.
	if err := s.state.UpdateSyncState(ctx, serverVersion); err != nil {
		return failure(err)
	}
	s.progress("checkpoint", 1)

	return Result{
		Status:        StatusSuccess,
		Pulled:        applied,
		Pushed:        pushed,
		ServerVersion: serverVersion,
	}
}

// merge applies pulled rows and tombstones table by table in dependency
// order. Returns the number of local changes.
func (s *Syncer) merge(ctx context.Context, pull *transport.PullResponse) (int, error) {
	applied := 0

	for _, table := range store.TableOrder {
		for _, rec := range pull.Rows[table] {
			ok, err := s.store.UpsertFromRemote(ctx, table, rec)
			if err != nil {
				// A malformed row would fail the same way on every cycle,
				// so skip it rather than wedge the whole sync on it.
				if errors.Is(err, store.ErrInvalidPayload) {
					s.logger.Printf("skipping malformed remote row: %v", err)
					continue
				}
				return applied, err
			}
			if ok {
				applied++
				s.publish(events.Event{
					Type: events.TypeRecordChanged,
					Data: events.RecordChangedData{Table: table, ID: rec.ID, Op: "upserted"},
				})
			}
		}

		// Deleting an already-absent row is a silent no-op, so duplicate
		// or out-of-order delivery converges.
		for _, id := range pull.DeletedIDs[table] {
			ok, err := s.store.ApplyTombstone(ctx, table, id, 0)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
				s.publish(events.Event{
					Type: events.TypeRecordChanged,
					Data: events.RecordChangedData{Table: table, ID: id, Op: "deleted"},
				})
			}
		}
	}

	for table := range pull.Rows {
		if !store.KnownTable(table) {
			s.logger.Printf("WARNING: ignoring rows for unknown table %q", table)
		}
	}

	return applied, nil
}

// handleFailure records the error and schedules a retry for retryable
// kinds under the backoff policy. Returns the scheduled delay, zero if
// no retry was scheduled.
func (s *Syncer) handleFailure(ctx context.Context, serr *transport.SyncError) time.Duration {
	if err := s.state.RecordError(ctx, serr.Error()); err != nil {
		s.logger.Printf("WARNING: failed to record sync error: %v", err)
	}

	if !serr.Retryable() {
		s.logger.Printf("sync failed (%s, not retryable): %v", serr.Kind, serr)
		return 0
	}

	attempt := s.state.RetryCount()
	if s.cfg.Retry.Exhausted(attempt) {
		s.logger.Printf("sync failed (%s): retry ceiling reached after %d attempts", serr.Kind, attempt)
		return 0
	}

	delay := s.cfg.Retry.DelayFor(attempt)
	next := time.Now().Add(delay)
	if err := s.state.SetRetryInfo(ctx, attempt+1, next); err != nil {
		s.logger.Printf("WARNING: failed to persist retry info: %v", err)
	}
	s.scheduleRetry(delay)

	s.logger.Printf("sync failed (%s), retry %d in %v: %v", serr.Kind, attempt+1, delay.Round(time.Millisecond), serr)
	return delay
}

// scheduleRetry arms the retry timer, replacing any pending one.
func (s *Syncer) scheduleRetry(delay time.Duration) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		// Retries run detached from the failed call's context; an
		// in-flight manual sync simply wins the single-flight race.
		s.Sync(context.Background())
	})
}

// CancelRetry clears any pending retry timer. It does not interrupt an
// in-flight sync; it only prevents a future one.
func (s *Syncer) CancelRetry() {
	s.cancelRetryLocked()
}

func (s *Syncer) cancelRetryLocked() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// publish emits a lifecycle event when a bus is wired. Subscribers
// observe but never block or alter orchestrator decisions.
func (s *Syncer) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// progress emits a per-phase progress event.
func (s *Syncer) progress(phase string, count int) {
	s.publish(events.Event{
		Type: events.TypeSyncProgress,
		Data: events.SyncProgressData{Phase: phase, Count: count},
	})
}

// failure wraps an error into a failed Result with taxonomy attached.
func failure(err error) Result {
	return Result{Status: StatusFailed, Err: transport.AsSyncError(err)}
}

// pullSize counts rows and tombstones in a pull response.
func pullSize(pull *transport.PullResponse) int {
	n := 0
	for _, rows := range pull.Rows {
		n += len(rows)
	}
	for _, ids := range pull.DeletedIDs {
		n += len(ids)
	}
	return n
}

// Describe returns a short human-readable summary for CLI output.
func (r Result) Describe() string {
	switch r.Status {
	case StatusSuccess:
		return fmt.Sprintf("synced: pulled %d, pushed %d, server version %d", r.Pulled, r.Pushed, r.ServerVersion)
	case StatusBusy:
		return "sync already in progress"
	case StatusDisabled:
		return "sync is disabled or not configured"
	default:
		if r.RetryIn > 0 {
			return fmt.Sprintf("sync failed: %v (retry in %v)", r.Err, r.RetryIn.Round(time.Millisecond))
		}
		return fmt.Sprintf("sync failed: %v", r.Err)
	}
}
