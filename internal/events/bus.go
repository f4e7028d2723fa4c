// Package events provides the publish/subscribe bus for sync lifecycle
// notifications.
//
// The bus is an explicit component instance owned by the composition
// root and passed by reference to publishers and subscribers; there is
// no ambient package-level state. Subscribers observe but never block or
// alter publisher decisions: delivery is non-blocking and a slow
// subscriber drops events rather than stalling the orchestrator.
package events

import (
	"log"
	"os"
	"sync"
	"time"
)

// Type identifies an event category.
type Type string

const (
	// TypeSyncStarted fires when a sync cycle begins.
	TypeSyncStarted Type = "sync_started"
	// TypeSyncProgress fires after each sync phase.
	TypeSyncProgress Type = "sync_progress"
	// TypeSyncCompleted fires when a sync cycle finishes successfully.
	TypeSyncCompleted Type = "sync_completed"
	// TypeSyncFailed fires when a sync cycle fails.
	TypeSyncFailed Type = "sync_failed"
	// TypeRecordChanged fires when a remote merge changes a local record.
	TypeRecordChanged Type = "record_changed"
)

// Event is one bus notification.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SyncProgressData describes a completed sync phase.
type SyncProgressData struct {
	Phase string `json:"phase"` // snapshot, pull, merge, push, checkpoint
	Count int    `json:"count"`
}

// SyncCompletedData summarizes a successful sync.
type SyncCompletedData struct {
	Pulled        int           `json:"pulled"`
	Pushed        int           `json:"pushed"`
	ServerVersion int64         `json:"server_version"`
	Duration      time.Duration `json:"duration"`
}

// SyncFailedData describes a failed sync.
type SyncFailedData struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RecordChangedData identifies a record modified by a remote merge.
type RecordChangedData struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Op    string `json:"op"` // upserted, deleted
}

// subscriber is one registered channel with its type filter. An empty
// filter receives everything.
type subscriber struct {
	ch    chan Event
	types map[Type]bool
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *log.Logger
}

// NewBus creates a bus. If logger is nil, a default stderr logger is
// used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// subscriberBuffer bounds each subscriber channel. Past this the
// subscriber is dropping events, not the publisher blocking.
const subscriberBuffer = 64

// Subscribe registers interest in the given event types (none means
// all). The returned cancel func must be called to release the
// subscription; after cancel the channel is closed.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	filter := make(map[Type]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	sub := &subscriber{
		ch:    make(chan Event, subscriberBuffer),
		types: filter,
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to all matching subscribers without
// blocking. Events dropped on a full subscriber channel are logged.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Printf("dropping %s event for slow subscriber", e.Type)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
