package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mnemo-dev/mnemo/internal/events"
	"github.com/mnemo-dev/mnemo/internal/store"
	"github.com/mnemo-dev/mnemo/internal/syncer"
)

func testServer(t *testing.T) (*Server, *events.Bus, *store.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), &store.Options{
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	srv := NewServer(bus, st, syncer.NewStateManager(st), &Config{Port: 0, Logger: logger})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, bus, st
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, st := testServer(t)
	ctx := context.Background()

	if _, err := st.Set(ctx, store.TableCards, "c1", json.RawMessage(`{"front":"q","back":"a"}`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if status.PendingChanges != 1 {
		t.Errorf("pending = %d, want 1", status.PendingChanges)
	}
	if status.Counts[store.TableCards] != 1 {
		t.Errorf("counts = %v", status.Counts)
	}
	if status.LastSyncTime != "" {
		t.Errorf("last sync time = %q before any sync", status.LastSyncTime)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	srv, bus, _ := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait until the server has registered the client before publishing.
	deadline := time.After(2 * time.Second)
	for srv.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	bus.Publish(events.Event{
		Type: events.TypeSyncCompleted,
		Data: events.SyncCompletedData{Pulled: 4, Pushed: 2},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	var e struct {
		Type events.Type `json:"type"`
		Data struct {
			Pulled int `json:"pulled"`
			Pushed int `json:"pushed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("bad event frame: %v", err)
	}
	if e.Type != events.TypeSyncCompleted || e.Data.Pulled != 4 || e.Data.Pushed != 2 {
		t.Errorf("event = %+v", e)
	}
}

func TestStop_DisconnectsClients(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), &store.Options{
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()

	bus := events.NewBus(logger)
	defer bus.Close()

	srv := NewServer(bus, st, syncer.NewStateManager(st), &Config{Port: 0, Logger: logger})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.After(2 * time.Second)
	for srv.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if srv.ClientCount() != 0 {
		t.Errorf("clients after stop = %d", srv.ClientCount())
	}
}
