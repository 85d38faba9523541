package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")

	// ErrOffline wraps transport failures: the server could not be reached.
	ErrOffline = tdsync.ErrOffline
)

// Client is an HTTP client for the stellar-sync server.
type Client struct {
	BaseURL  string
	Token    string
	DeviceID string
	HTTP     *http.Client

	// FeedIdleTimeout bounds changefeed silence; zero means DefaultFeedIdleTimeout.
	FeedIdleTimeout time.Duration
}

// New creates a new sync client.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Sync types (mirrors internal/api/sync.go, independently defined) ---

// PushRequest is the body for POST /v1/sync/push.
type PushRequest struct {
	DeviceID string        `json:"device_id"`
	Changes  []ChangeInput `json:"changes"`
}

// ChangeInput is one entity's accumulated write in a push request.
type ChangeInput struct {
	OpIDs     []string       `json:"op_ids"`
	Table     string         `json:"table"`
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	Record    map[string]any `json:"record,omitempty"`
	Base      map[string]any `json:"base,omitempty"`
	UpdatedAt string         `json:"updated_at"`
	DeviceID  string         `json:"device_id"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Acks     []AckResponse    `json:"acks"`
	Rejected []RejectResponse `json:"rejected,omitempty"`
}

// AckResponse is a single decided change.
type AckResponse struct {
	Table     string         `json:"table"`
	EntityID  string         `json:"entity_id"`
	Key       string         `json:"key"`
	ServerSeq int64          `json:"server_seq"`
	Applied   bool           `json:"applied"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
}

// RejectResponse is a single rejected change.
type RejectResponse struct {
	Table    string `json:"table"`
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
}

// PullResponse is the response from a pull request.
type PullResponse struct {
	Changes       []PullChange `json:"changes"`
	LastServerSeq int64        `json:"last_server_seq"`
	HasMore       bool         `json:"has_more"`
}

// PullChange is a single change in a pull response or on the changefeed.
type PullChange struct {
	ServerSeq int64          `json:"server_seq"`
	Table     string         `json:"table"`
	EventType string         `json:"event_type"`
	EntityID  string         `json:"entity_id"`
	Record    map[string]any `json:"record,omitempty"`
	Old       map[string]any `json:"old,omitempty"`
}

// SyncStatusResponse is the response from GET /v1/sync/status.
type SyncStatusResponse struct {
	ChangeCount    int64  `json:"change_count"`
	LastServerSeq  int64  `json:"last_server_seq"`
	LastChangeTime string `json:"last_change_time,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Sync methods ---

// Push sends local changes to the server.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do(ctx, "POST", "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches remote changes from the server.
func (c *Client) Pull(ctx context.Context, afterSeq int64, limit int) (*PullResponse, error) {
	params := url.Values{}
	params.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	params.Set("limit", strconv.Itoa(limit))

	var resp PullResponse
	if err := c.do(ctx, "GET", "/v1/sync/pull?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncStatus gets the server-side sync status for the authenticated user.
func (c *Client) SyncStatus(ctx context.Context) (*SyncStatusResponse, error) {
	var resp SyncStatusResponse
	if err := c.do(ctx, "GET", "/v1/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isNetworkError(err) {
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var wrapped struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error.Code != "" {
			apiErr := wrapped.Error
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// isNetworkError reports whether err means the server was unreachable
// rather than that it answered badly.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
