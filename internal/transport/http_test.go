package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnemo-dev/mnemo/internal/store"
)

func testClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: srv.URL,
		Token: func(ctx context.Context) (string, error) {
			return "test-token", nil
		},
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}
	return c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{Token: func(ctx context.Context) (string, error) { return "", nil }}); err == nil {
		t.Error("missing base URL accepted")
	}
	if _, err := NewHTTPClient(HTTPConfig{BaseURL: "http://localhost"}); err == nil {
		t.Error("missing token source accepted")
	}
}

func TestPull(t *testing.T) {
	var gotPath, gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(PullResponse{
			Rows: map[string][]*store.Record{
				store.TableCards: {{ID: "c1", Payload: json.RawMessage(`{"front":"q","back":"a"}`), UpdatedAt: 200}},
			},
			DeletedIDs:    map[string][]string{store.TableNotes: {"n9"}},
			ServerVersion: 42,
		})
	})

	resp, err := c.Pull(context.Background(), "device-1", 17)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}

	if gotPath != "/sync?clientId=device-1&since=17" {
		t.Errorf("request path = %s", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if resp.ServerVersion != 42 {
		t.Errorf("server version = %d, want 42", resp.ServerVersion)
	}
	if len(resp.Rows[store.TableCards]) != 1 || resp.Rows[store.TableCards][0].ID != "c1" {
		t.Errorf("rows = %+v", resp.Rows)
	}
	if len(resp.DeletedIDs[store.TableNotes]) != 1 {
		t.Errorf("deleted ids = %+v", resp.DeletedIDs)
	}
}

func TestPush(t *testing.T) {
	var got pushRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad push body: %v", err)
		}
		json.NewEncoder(w).Encode(PushResponse{Applied: 2, ServerVersion: 43})
	})

	ops := []Operation{
		{ID: "op1", Operation: "INSERT", Table: store.TableCards, RowID: "c1", Timestamp: 100},
		{ID: "op2", Operation: "DELETE", Table: store.TableCards, RowID: "c2", Timestamp: 101},
	}
	resp, err := c.Push(context.Background(), "device-1", ops)
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	if got.ClientID != "device-1" || len(got.Operations) != 2 {
		t.Errorf("push request = %+v", got)
	}
	if resp.Applied != 2 || resp.ServerVersion != 43 {
		t.Errorf("push response = %+v", resp)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusRequestTimeout, KindTimeout, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusConflict, KindConflict, true},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusServiceUnavailable, KindServer, true},
		{http.StatusTeapot, KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(errorBody{Message: "nope"})
			})

			err := c.Health(context.Background())
			var se *SyncError
			if !errors.As(err, &se) {
				t.Fatalf("Health() = %v, want *SyncError", err)
			}
			if se.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", se.Kind, tt.wantKind)
			}
			if se.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", se.Retryable(), tt.retryable)
			}
			if se.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", se.StatusCode, tt.status)
			}
			if se.Message != "nope" {
				t.Errorf("message = %q", se.Message)
			}
		})
	}
}

func TestConnectionFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connections now refused

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: srv.URL,
		Token:   func(ctx context.Context) (string, error) { return "t", nil },
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}

	err = c.Health(context.Background())
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("Health() = %v, want *SyncError", err)
	}
	if se.Kind != KindNetwork {
		t.Errorf("kind = %s, want network", se.Kind)
	}
	if !se.Retryable() {
		t.Error("network failure not retryable")
	}
}

func TestTokenFailureIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached server despite token failure")
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: srv.URL,
		Token: func(ctx context.Context) (string, error) {
			return "", errors.New("keychain locked")
		},
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}

	err = c.Health(context.Background())
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("Health() = %v, want *SyncError", err)
	}
	if se.Kind != KindAuth {
		t.Errorf("kind = %s, want auth", se.Kind)
	}
	if se.Retryable() {
		t.Error("auth failure reported retryable")
	}
}

func TestAsSyncError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  Kind
		retryable bool
	}{
		{
			"passes through classified errors",
			&SyncError{Kind: KindTimeout},
			KindTimeout, true,
		},
		{
			"storage errors are fatal",
			&store.StorageError{Kind: store.KindNotReady, Op: "pending"},
			KindStorage, false,
		},
		{
			"wrapped storage errors are fatal",
			fmt.Errorf("failed to load checkpoint: %w",
				&store.StorageError{Kind: store.KindCorruptData, Op: "meta"}),
			KindStorage, false,
		},
		{
			"anything else is unknown",
			errors.New("boom"),
			KindUnknown, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := AsSyncError(tt.err)
			if se.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", se.Kind, tt.wantKind)
			}
			if se.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", se.Retryable(), tt.retryable)
			}
		})
	}
}

func TestOperationFromJournal(t *testing.T) {
	entry := &store.JournalEntry{
		ID:        "j1",
		Op:        store.OpUpdate,
		Table:     store.TableCards,
		RowID:     "c1",
		Payload:   json.RawMessage(`{"front":"q","back":"a"}`),
		Timestamp: 123,
	}

	op := OperationFromJournal(entry)
	if op.ID != "j1" || op.Operation != "UPDATE" || op.Table != store.TableCards {
		t.Errorf("op = %+v", op)
	}
	if op.RowID != "c1" || op.Timestamp != 123 {
		t.Errorf("op = %+v", op)
	}
	if string(op.Data) != string(entry.Payload) {
		t.Errorf("data = %s", op.Data)
	}
}
