package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient is the full-row LWW-diff protocol client over HTTP+JSON
// with bearer-token authentication.
type HTTPClient struct {
	baseURL string
	token   func(ctx context.Context) (string, error)
	client  *http.Client
}

// HTTPConfig configures NewHTTPClient.
type HTTPConfig struct {
	// BaseURL is the sync endpoint root, e.g. "https://sync.example.com".
	BaseURL string

	// Token returns the bearer credential for a request. The identity
	// provider owns the credential; the transport only consumes it.
	Token func(ctx context.Context) (string, error)

	// Timeout bounds each request. Zero means 30 seconds.
	Timeout time.Duration

	// Client overrides the HTTP client, for tests. Nil means a client
	// with Timeout applied.
	Client *http.Client
}

// NewHTTPClient creates the HTTP transport.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  client,
	}, nil
}

// Pull implements Transport.Pull via GET /sync?since=&clientId=.
func (c *HTTPClient) Pull(ctx context.Context, clientID string, since int64) (*PullResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("clientId", clientID)

	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// pushRequest is the POST /sync body.
type pushRequest struct {
	ClientID   string      `json:"clientId"`
	Operations []Operation `json:"operations"`
}

// Push implements Transport.Push via POST /sync.
func (c *HTTPClient) Push(ctx context.Context, clientID string, ops []Operation) (*PushResponse, error) {
	body := pushRequest{ClientID: clientID, Operations: ops}

	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health implements Transport.Health via GET /health.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// errorBody is the body shape of non-2xx responses.
type errorBody struct {
	Message string `json:"message"`
}

// do performs one authenticated request and decodes the response into
// out (when non-nil). Non-2xx statuses and connection failures surface
// as classified SyncErrors.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return &SyncError{Kind: KindAuth, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(data, &eb)
		return statusError(resp.StatusCode, eb.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &SyncError{Kind: KindUnknown, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
