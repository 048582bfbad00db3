package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/config"
	"github.com/aperture-ai/aperture-gateway/internal/event"
	"github.com/aperture-ai/aperture-gateway/internal/manager"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/internal/worktree"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

const testToken = "test-token"

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *manager.Manager) {
	t.Helper()
	event.Reset()

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		APIToken:              testToken,
		MaxConcurrentSessions: 10,
		SessionIdleTimeout:    time.Minute,
		MaxMessageSizeBytes:   262144,
		RPCRequestTimeout:     5 * time.Second,
		RateLimitMax:          1000,
		RateLimitWindow:       time.Minute,
	}
	if mutate != nil {
		mutate(cfg)
	}

	fake := backend.NewFakeBackend()
	mgr := manager.New(st, nil, &worktree.Stub{}, fake, fake, manager.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SessionIdleTimeout:    cfg.SessionIdleTimeout,
	})
	t.Cleanup(func() { mgr.TerminateAll(context.Background()) })

	return New(cfg, mgr, st, nil, &worktree.Stub{}, fake, fake), mgr
}

func authedRequest(method, url, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, url, nil)
	} else {
		r = httptest.NewRequest(method, url, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer "+testToken)
	return r
}

func createTestSession(t *testing.T, s *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sessions",
		`{"agent":"claude_sdk","auth":{"mode":"api_key","providerKey":"anthropic","apiKeyRef":"inline","apiKey":"sk-abc"}}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestReadyz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)
	id := createTestSession(t, s)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions/"+id, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodDelete, "/v1/sessions/"+id, ""))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodDelete, "/v1/sessions/"+id, ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionRejectsUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	// An unknown agent kind is rejected by the manager before any
	// backend sees the auth record.
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sessions",
		`{"agent":"unknown_agent","auth":{"mode":"api_key","providerKey":"anthropic","apiKeyRef":"inline","apiKey":"k"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmissionLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxConcurrentSessions = 1
	})
	createTestSession(t, s)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sessions",
		`{"agent":"claude_sdk","auth":{"mode":"api_key","providerKey":"anthropic","apiKeyRef":"inline","apiKey":"sk-abc"}}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitMax = 2
		cfg.RateLimitWindow = time.Minute
	})

	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions", ""))
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMessagesEndpoint(t *testing.T) {
	s, mgr := newTestServer(t, nil)
	id := createTestSession(t, s)

	rt, _, ok := mgr.Get(id)
	require.True(t, ok)
	events, unsub := rt.Subscribe()
	defer unsub()

	require.NoError(t, rt.SendPrompt(t.Context(), "hi", nil, backend.PromptOptions{}))
	waitForEvent(t, events, types.EventPromptComplete)

	// The user message is persisted synchronously on SendPrompt.
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions/"+id+"/messages?limit=10", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []types.Message `json:"messages"`
		Total    int             `json:"total"`
		Limit    int             `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotZero(t, resp.Total)
	assert.Equal(t, 10, resp.Limit)
	assert.Equal(t, "hi", resp.Messages[0].Content.Text())
}

func TestMessagesUnknownSession(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions/nope/messages", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func waitForEvent(t *testing.T, events <-chan types.SessionEvent, want types.SessionEventType) types.SessionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// --- Frame channel ---

func dialWS(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + sessionID + "/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f outFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips event frames until a frame satisfying pred arrives.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(outFrame) bool) outFrame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if pred(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return outFrame{}
}

func TestFrameChannelHappyPath(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	id := createTestSession(t, s)
	conn := dialWS(t, ts, id)

	// Initial replay: a connected event carrying the runtime status.
	first := readFrame(t, conn)
	require.Equal(t, "event", first.Type)
	require.NotNil(t, first.Event)
	assert.Equal(t, types.EventConnected, first.Event.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "id": 1, "content": "hi"}))

	sawChunk := false
	readUntil(t, conn, func(f outFrame) bool {
		if f.Type == "event" && f.Event != nil && f.Event.Type == types.EventMessageChunk {
			sawChunk = true
		}
		return f.Type == "event" && f.Event != nil && f.Event.Type == types.EventPromptComplete
	})
	assert.True(t, sawChunk, "expected streamed chunks before prompt_complete")
}

func TestFrameChannelOversizeFrame(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxMessageSizeBytes = 1024
	})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	id := createTestSession(t, s)
	conn := dialWS(t, ts, id)
	readFrame(t, conn) // connected

	big := strings.Repeat("x", 2048)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "content": big}))

	errFrame := readUntil(t, conn, func(f outFrame) bool { return f.Type == "error" })
	assert.Equal(t, codeOversize, errFrame.Code)
	assert.Contains(t, errFrame.Message, "exceeds")

	// Channel must remain usable after the over-size rejection.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_account_info", "id": 2}))
	res := readUntil(t, conn, func(f outFrame) bool { return f.Type == "result" })
	assert.Equal(t, "get_account_info", res.Command)
}

func TestFrameChannelUnknownCommand(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	id := createTestSession(t, s)
	conn := dialWS(t, ts, id)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "no_such_command", "id": 9}))
	errFrame := readUntil(t, conn, func(f outFrame) bool { return f.Type == "error" })
	assert.Equal(t, codeUnknownCommand, errFrame.Code)

	// Connection survives.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_supported_commands", "id": 10}))
	res := readUntil(t, conn, func(f outFrame) bool { return f.Type == "result" })
	assert.Equal(t, "get_supported_commands", res.Command)
}

func TestFrameChannelPiCommandsRejectedOnClaude(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	id := createTestSession(t, s)
	conn := dialWS(t, ts, id)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "pi_get_stats", "id": 3}))
	errFrame := readUntil(t, conn, func(f outFrame) bool { return f.Type == "error" })
	assert.Equal(t, codeUnsupported, errFrame.Code)
}

func TestFrameChannelSessionNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/nope/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

// --- Event stream ---

func TestEventStreamConnectedSentinel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	id := createTestSession(t, s)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/sessions/"+id+"/events?token="+testToken, nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev types.SessionEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, types.EventConnected, ev.Type)
}

func TestEventStreamUnknownSession(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions/nope/events", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
