package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/prabhask5/stellar-sub000/internal/models"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

const testSecret = "test-secret"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// TestHarness wraps a full Server with a real HTTP listener for integration tests.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	DB      *sql.DB
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

// newTestHarness creates a TestHarness over an in-memory change log.
func newTestHarness(t *testing.T, opts ...func(*Config)) *TestHarness {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := tdsync.InitServerChangeLog(db); err != nil {
		t.Fatalf("init change log: %v", err)
	}

	cfg := Config{
		ListenAddr:       ":0",
		JWTSecret:        testSecret,
		RateLimitPush:    100000,
		RateLimitPull:    100000,
		RateLimitOther:   100000,
		FeedPingInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg, db)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	httpSrv := httptest.NewServer(srv.routes())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		DB:      db,
		BaseURL: httpSrv.URL,
		client:  &http.Client{},
		httpSrv: httpSrv,
	}

	t.Cleanup(func() {
		srv.hub.CloseAll()
		httpSrv.Close()
		db.Close()
	})

	return h
}

// Token mints a token for userID.
func (h *TestHarness) Token(userID string) string {
	h.t.Helper()
	tok, err := IssueToken([]byte(testSecret), userID, time.Hour)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok
}

// Do sends an HTTP request and returns the response.
// Caller must close resp.Body unless using assertion helpers (AssertStatus,
// AssertErrorResponse, ReadJSON) which close it automatically.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = &buf
	}

	req, err := http.NewRequest(method, h.BaseURL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("do request %s %s: %v", method, path, err)
	}
	return resp
}

// Push sends changes as device and returns the decoded response.
func (h *TestHarness) Push(token, device string, changes ...ChangeInput) PushResponse {
	h.t.Helper()
	resp := h.Do("POST", "/v1/sync/push", token, PushRequest{DeviceID: device, Changes: changes})
	AssertStatus(h.t, resp, http.StatusOK)
	return ReadJSON[PushResponse](h.t, resp)
}

// Pull fetches changes after afterSeq.
func (h *TestHarness) Pull(token, query string) PullResponse {
	h.t.Helper()
	resp := h.Do("GET", "/v1/sync/pull"+query, token, nil)
	AssertStatus(h.t, resp, http.StatusOK)
	return ReadJSON[PullResponse](h.t, resp)
}

// Dial opens the changefeed and consumes the subscription ack.
func (h *TestHarness) Dial(token, userID string) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.BaseURL, "http") + "/v1/sync/changes?user_id=" + userID
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.t.Fatalf("dial changefeed: %v (status %d)", err, status)
	}
	h.t.Cleanup(func() { conn.Close() })

	msg := readFeed(h.t, conn)
	if msg.Type != MessageSubscribed {
		h.t.Fatalf("first message: got %q, want %q", msg.Type, MessageSubscribed)
	}
	return conn
}

func readFeed(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read feed: %v", err)
	}
	return msg
}

func createChange(id, device, key string, at time.Time, fields map[string]any) ChangeInput {
	rec := map[string]any{
		models.FieldID:        id,
		models.FieldDeviceID:  device,
		models.FieldUpdatedAt: models.FormatTime(at),
	}
	for k, v := range fields {
		rec[k] = v
	}
	return ChangeInput{
		OpIDs:     []string{key},
		Table:     "goals",
		EntityID:  id,
		Action:    "create",
		Record:    rec,
		UpdatedAt: models.FormatTime(at),
		DeviceID:  device,
	}
}

// --- Response assertion helpers ---

// AssertStatus checks the HTTP status code matches expected. Reads and closes the body on failure.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", expected, resp.StatusCode, string(body))
	}
}

// AssertErrorResponse checks the response has the expected status and error code.
func AssertErrorResponse(t *testing.T, resp *http.Response, expectedStatus int, expectedCode string) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.StatusCode, string(body))
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q: %s", expectedCode, errResp.Error.Code, errResp.Error.Message)
	}
}

// ReadJSON decodes a JSON response body into the given type.
func ReadJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json response: %v", err)
	}
	return out
}

// AssertCORSHeaders checks the response has the expected CORS origin header.
func AssertCORSHeaders(t *testing.T, resp *http.Response, expectedOrigin string) {
	t.Helper()
	origin := resp.Header.Get("Access-Control-Allow-Origin")
	if origin != expectedOrigin {
		t.Fatalf("expected Access-Control-Allow-Origin %q, got %q", expectedOrigin, origin)
	}
}

// AssertNoCORSHeaders checks the response has no CORS origin header.
func AssertNoCORSHeaders(t *testing.T, resp *http.Response) {
	t.Helper()
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no Access-Control-Allow-Origin header, got %q", origin)
	}
}
