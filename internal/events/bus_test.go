package events

import (
	"io"
	"log"
	"testing"
	"time"
)

func testBus() *Bus {
	return NewBus(log.New(io.Discard, "", 0))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: TypeSyncStarted})

	e := recv(t, ch)
	if e.Type != TypeSyncStarted {
		t.Errorf("type = %s, want sync_started", e.Type)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestSubscribe_TypeFilter(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch, cancel := b.Subscribe(TypeSyncCompleted)
	defer cancel()

	b.Publish(Event{Type: TypeSyncStarted})
	b.Publish(Event{Type: TypeRecordChanged})
	b.Publish(Event{Type: TypeSyncCompleted, Data: SyncCompletedData{Pulled: 3}})

	e := recv(t, ch)
	if e.Type != TypeSyncCompleted {
		t.Fatalf("type = %s, want sync_completed", e.Type)
	}
	data, ok := e.Data.(SyncCompletedData)
	if !ok || data.Pulled != 3 {
		t.Errorf("data = %+v", e.Data)
	}
	if len(ch) != 0 {
		t.Errorf("%d unexpected buffered events", len(ch))
	}
}

func TestPublish_DropsOnFullSubscriber(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Nobody drains the channel; the publisher must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(Event{Type: TypeSyncProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestCancel_ClosesChannel(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: TypeSyncStarted})
	cancel() // double cancel is harmless
}

func TestClose(t *testing.T) {
	b := testBus()

	ch, _ := b.Subscribe()
	b.Close()

	if _, open := <-ch; open {
		t.Error("channel still open after bus close")
	}

	// Operations on a closed bus are no-ops.
	b.Publish(Event{Type: TypeSyncStarted})
	late, cancel := b.Subscribe()
	defer cancel()
	if _, open := <-late; open {
		t.Error("subscription on closed bus returned open channel")
	}
	b.Close()
}
