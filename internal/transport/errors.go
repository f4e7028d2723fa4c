package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/mnemo-dev/mnemo/internal/store"
)

// Kind classifies a sync failure. Each kind carries a fixed
// retryability: auth failures always require user re-authentication,
// storage failures are fatal local-store conditions, and neither is
// ever auto-retried; the rest are retryable under backoff.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindServer   Kind = "server"
	KindConflict Kind = "conflict"
	KindTimeout  Kind = "timeout"
	KindStorage  Kind = "storage"
	KindUnknown  Kind = "unknown"
)

// Retryable reports the fixed retryability of the kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindStorage:
		return false
	}
	return true
}

// SyncError is the typed error produced by the transport layer.
type SyncError struct {
	Kind       Kind
	StatusCode int    // HTTP status, 0 for connection-level failures
	Message    string // server-provided message, if any
	Err        error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sync %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("sync %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("sync %s", e.Kind)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the error may be retried automatically.
func (e *SyncError) Retryable() bool { return e.Kind.Retryable() }

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusConflict:
		return KindConflict
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindServer
	default:
		return KindUnknown
	}
}

// statusError builds a SyncError from a non-2xx response.
func statusError(status int, message string) *SyncError {
	return &SyncError{
		Kind:       classifyStatus(status),
		StatusCode: status,
		Message:    message,
	}
}

// wrapTransportErr classifies a connection-level failure: timeouts and
// cancelled deadlines surface as timeout, everything else as network.
func wrapTransportErr(err error) *SyncError {
	kind := KindNetwork

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}

	return &SyncError{Kind: kind, Err: err}
}

// AsSyncError extracts a SyncError from an error chain. Storage errors
// leaking into a sync cycle classify as the non-retryable storage kind;
// a corrupt or uninitialized local store cannot be healed by retrying
// the cycle. Everything else unclassified wraps as unknown.
func AsSyncError(err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return &SyncError{Kind: KindStorage, Err: err}
	}
	return &SyncError{Kind: KindUnknown, Err: err}
}
