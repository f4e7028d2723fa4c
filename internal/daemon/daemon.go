// Package daemon provides the background sync daemon.
//
// The daemon:
//  1. Runs an interval timer that triggers a sync cycle
//  2. Watches the store directory for out-of-process writes (another
//     mnemo process mutating the same database) and schedules a
//     debounced sync
//  3. Handles graceful shutdown
//
// An in-flight sync suppresses the timer tick: the orchestrator's
// single-flight guard turns an overlapping trigger into a no-op busy
// result. Shutdown never interrupts an in-flight sync; it only prevents
// future ones and clears the pending retry timer.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mnemo-dev/mnemo/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to trigger a scheduled sync.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after a file change before
	// triggering a sync. Batches rapid updates together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates interval syncs and file watching.
type Daemon struct {
	syncer *syncer.Syncer
	dbPath string
	config *Config

	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pendingAt time.Time

	wg sync.WaitGroup
}

// New creates a Daemon that triggers syncs on sy and watches the
// directory containing dbPath for out-of-process writes.
func New(sy *syncer.Syncer, dbPath string, config *Config) (*Daemon, error) {
	if sy == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		syncer:  sy,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
//
// On startup the daemon performs one immediate sync, then alternates
// between interval ticks and debounced file-change triggers.
func (d *Daemon) Run(ctx context.Context) error {
	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	d.config.Logger.Printf("daemon started: db=%s interval=%v", d.dbPath, d.config.SyncInterval)

	d.triggerSync(ctx, "startup")

	d.wg.Add(2)
	go d.watchLoop(ctx)
	go d.syncLoop(ctx)

	<-ctx.Done()

	// Prevent future syncs; an in-flight cycle runs to completion.
	d.syncer.CancelRetry()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("WARNING: failed to close watcher: %v", err)
	}
	d.wg.Wait()

	d.config.Logger.Printf("daemon stopped")
	return nil
}

// syncLoop triggers a sync on every interval tick. Debounced
// file-change triggers are checked on a finer cadence.
func (d *Daemon) syncLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.NewTicker(d.config.SyncInterval)
	defer interval.Stop()

	debounce := time.NewTicker(d.config.DebounceInterval / 2)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-interval.C:
			d.triggerSync(ctx, "interval")
		case <-debounce.C:
			if d.takePending() {
				d.triggerSync(ctx, "file change")
			}
		}
	}
}

// watchLoop records debounced change marks for writes to the database
// files by other processes.
func (d *Daemon) watchLoop(ctx context.Context) {
	defer d.wg.Done()

	base := filepath.Base(d.dbPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// The WAL and SHM files share the db file's name prefix.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			d.markPending()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

// markPending notes a file change for the debounce window.
func (d *Daemon) markPending() {
	d.pendingMu.Lock()
	d.pendingAt = time.Now()
	d.pendingMu.Unlock()
}

// takePending reports whether a change mark is old enough to act on,
// consuming it if so.
func (d *Daemon) takePending() bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.pendingAt.IsZero() {
		return false
	}
	if time.Since(d.pendingAt) < d.config.DebounceInterval {
		return false
	}
	d.pendingAt = time.Time{}
	return true
}

// clearPending drops any recorded change mark.
func (d *Daemon) clearPending() {
	d.pendingMu.Lock()
	d.pendingAt = time.Time{}
	d.pendingMu.Unlock()
}

// triggerSync runs one sync cycle, logging the outcome. An overlapping
// trigger resolves to a busy no-op via the orchestrator's single-flight
// guard.
func (d *Daemon) triggerSync(ctx context.Context, reason string) {
	if d.syncer.State() == syncer.StateSyncing {
		d.config.Logger.Printf("skipping %s sync: already in flight", reason)
		return
	}

	res := d.syncer.Sync(ctx)

	// A sync writes the database itself; drop the marks it generated so
	// the daemon does not chase its own tail.
	d.clearPending()

	switch res.Status {
	case syncer.StatusBusy:
		d.config.Logger.Printf("skipping %s sync: already in flight", reason)
	case syncer.StatusDisabled:
		d.config.Logger.Printf("skipping %s sync: disabled", reason)
	default:
		d.config.Logger.Printf("%s sync: %s", reason, res.Describe())
	}
}
