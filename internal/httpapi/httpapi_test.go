package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/auth"
	"github.com/linnemanlabs/vigil/internal/drift"
	"github.com/linnemanlabs/vigil/internal/hub"
	"github.com/linnemanlabs/vigil/internal/llm"
	"github.com/linnemanlabs/vigil/internal/notify"
	"github.com/linnemanlabs/vigil/internal/project"
	"github.com/linnemanlabs/vigil/internal/replay"
	"github.com/linnemanlabs/vigil/internal/secrets"
	"github.com/linnemanlabs/vigil/internal/store/memory"
	"github.com/linnemanlabs/vigil/internal/trace"
)

const testDevKey = "dev-test-key"

type fixture struct {
	handler http.Handler
	store   *memory.Store
	engine  *replay.Engine
}

// newFixture assembles the full transport over a fresh in-memory store. The
// replay engine runs in copy-mode (no provider keys resolve).
func newFixture(t *testing.T, opts RouterOptions) *fixture {
	t.Helper()
	st := memory.New()

	authSvc, err := auth.New(st, auth.Options{DevAPIKey: testDevKey, JWTSecret: "test-secret"})
	require.NoError(t, err)
	traceSvc, err := trace.NewService(st)
	require.NoError(t, err)
	box, err := secrets.NewBox("test-encryption-key")
	require.NoError(t, err)
	projectSvc, err := project.NewService(st, box)
	require.NoError(t, err)
	notifier, err := notify.NewService(st)
	require.NoError(t, err)
	detector, err := drift.NewDetector(st, drift.DetectorOptions{})
	require.NoError(t, err)
	h := hub.New(nil)
	engine, err := replay.NewEngine(st, llm.NewExecutor(llm.ExecutorOptions{}), nil, notifier, h)
	require.NoError(t, err)

	server, err := NewServer(authSvc, traceSvc, projectSvc, detector, engine, notifier, h, st)
	require.NoError(t, err)

	if opts.CORSOrigins == nil {
		opts.CORSOrigins = []string{"http://localhost:3000"}
	}
	logCtx := log.Context(context.Background())
	return &fixture{
		handler: server.Handler(logCtx, opts),
		store:   st,
		engine:  engine,
	}
}

// do issues a request against the in-process handler. A non-empty bearer is
// sent as an Authorization header; body (when non-nil) is marshalled as JSON.
func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])

	w = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decodeBody(t, w)["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	for _, path := range []string{"/v1/traces", "/v1/spans", "/v1/notifications"} {
		w := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := f.do(t, http.MethodGet, "/v1/traces", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Guest endpoints answer without credentials.
	for _, path := range []string{"/v1/projects", "/v1/drift/alerts", "/v1/drift/summary"} {
		w := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestIngestAndQueryTraces(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodPost, "/v1/traces", testDevKey, map[string]any{
		"trace_name": "checkout run",
		"spans": []map[string]any{
			{"span_id": "s1", "name": "pipeline", "kind": "chain"},
			{"span_id": "s2", "parent_span_id": "s1", "name": "openai.chat", "kind": "llm", "status": "ok"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	traceID := created["trace_id"].(string)
	assert.Equal(t, float64(2), created["span_count"])

	w = f.do(t, http.MethodGet, "/v1/traces?limit=10", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody(t, w)
	assert.Equal(t, float64(1), list["total"])

	w = f.do(t, http.MethodGet, "/v1/traces/"+traceID, testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decodeBody(t, w)
	assert.Equal(t, "checkout run", detail["name"])
	assert.Len(t, detail["spans"].([]any), 2)

	w = f.do(t, http.MethodPatch, "/v1/traces/"+traceID, testDevKey, map[string]any{
		"status":   "ok",
		"metadata": map[string]any{"reviewed": true},
	})
	require.Equal(t, http.StatusOK, w.Code)
	patched := decodeBody(t, w)
	assert.Equal(t, "ok", patched["status"])

	w = f.do(t, http.MethodPost, "/v1/traces/"+traceID+"/events/s2", testDevKey, map[string]any{
		"name": "token_limit", "attributes": map[string]any{"limit": 4096},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/v1/spans?kind=llm&limit=10", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	spans := decodeBody(t, w)
	assert.Equal(t, float64(1), spans["total"])

	// Bad query parameters are rejected, not ignored.
	w = f.do(t, http.MethodGet, "/v1/traces?limit=abc", testDevKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = f.do(t, http.MethodGet, "/v1/traces?start_date=notatime&limit=10", testDevKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Missing trace is a 404.
	w = f.do(t, http.MethodGet, "/v1/traces/nope", testDevKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectKeyRotation(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodPost, "/v1/projects", testDevKey, map[string]any{
		"name": "checkout-agent",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	projectID := created["id"].(string)
	keys := created["api_keys"].([]any)
	require.Len(t, keys, 1)
	k1 := keys[0].(map[string]any)["key"].(string)
	assert.True(t, strings.HasPrefix(k1, "vgl_"))

	// The project key authenticates ingestion into its own project.
	w = f.do(t, http.MethodPost, "/v1/traces", k1, map[string]any{
		"spans": []map[string]any{{"span_id": "s1"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	traceID := decodeBody(t, w)["trace_id"].(string)
	tr, err := f.store.GetTrace(context.Background(), traceID)
	require.NoError(t, err)
	assert.Equal(t, projectID, tr.ProjectID)

	w = f.do(t, http.MethodPost, "/v1/projects/"+projectID+"/rotate-key", testDevKey, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	k2 := decodeBody(t, w)["key"].(string)
	require.NotEqual(t, k1, k2)

	// The old key stops working immediately; the new one takes over.
	w = f.do(t, http.MethodGet, "/v1/traces?limit=10", k1, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.do(t, http.MethodGet, "/v1/traces?limit=10", k2, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProjectSettings(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodPost, "/v1/projects", testDevKey, map[string]any{"name": "proj"})
	require.Equal(t, http.StatusCreated, w.Code)
	projectID := decodeBody(t, w)["id"].(string)

	w = f.do(t, http.MethodGet, "/v1/projects/"+projectID+"/settings", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decodeBody(t, w)
	assert.Equal(t, false, settings["openai_api_key_set"])
	assert.Equal(t, "gpt-4o", settings["default_openai_model"])

	w = f.do(t, http.MethodPut, "/v1/projects/"+projectID+"/settings", testDevKey, map[string]any{
		"openai_api_key":      "sk-proj-secret123",
		"drift_check_enabled": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settings = decodeBody(t, w)
	assert.Equal(t, true, settings["openai_api_key_set"])
	assert.Equal(t, "sk-pro****", settings["openai_api_key_masked"])
	assert.Equal(t, true, settings["drift_check_enabled"])
	assert.NotContains(t, w.Body.String(), "sk-proj-secret123")

	w = f.do(t, http.MethodGet, "/v1/projects/missing/settings", testDevKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplayFlow(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodPost, "/v1/traces", testDevKey, map[string]any{
		"trace_name": "run",
		"spans": []map[string]any{
			{"span_id": "s1", "name": "openai.chat", "kind": "llm",
				"input": map[string]any{"model": "gpt-4o", "prompt": "hello"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	traceID := decodeBody(t, w)["trace_id"].(string)

	w = f.do(t, http.MethodPost, "/v1/traces/"+traceID+"/replay", testDevKey, map[string]any{
		"mutations": map[string]any{"s1": map[string]any{"prompt": "goodbye"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	est := decodeBody(t, w)
	replayID := est["replay_run_id"].(string)
	assert.Equal(t, "estimating", est["status"])
	assert.Equal(t, float64(1), est["llm_spans_count"])
	assert.Greater(t, est["estimated_cost_usd"].(float64), 0.0)

	base := "/v1/traces/" + traceID + "/replay/" + replayID
	w = f.do(t, http.MethodPost, base+"/confirm", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "confirmed", decodeBody(t, w)["status"])
	f.engine.Wait()

	w = f.do(t, http.MethodGet, base, testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	run := decodeBody(t, w)
	assert.Equal(t, "completed", run["status"])
	assert.NotEmpty(t, run["result_trace_id"])

	w = f.do(t, http.MethodGet, base+"/diff", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	diff := decodeBody(t, w)
	diffs := diff["diffs"].([]any)
	require.Len(t, diffs, 1)
	entry := diffs[0].(map[string]any)
	assert.Equal(t, "goodbye", entry["mutated_input"].(map[string]any)["prompt"])
	assert.Equal(t, "Copied (not re-executed)", entry["note"])

	// Confirming a completed run is rejected.
	w = f.do(t, http.MethodPost, base+"/confirm", testDevKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The completion notification is queryable over the same surface.
	w = f.do(t, http.MethodGet, "/v1/notifications/count", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["unread"])
}

func TestReplayCancel(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodPost, "/v1/traces", testDevKey, map[string]any{
		"spans": []map[string]any{{"span_id": "s1"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	traceID := decodeBody(t, w)["trace_id"].(string)

	w = f.do(t, http.MethodPost, "/v1/traces/"+traceID+"/replay", testDevKey, map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	replayID := decodeBody(t, w)["replay_run_id"].(string)

	base := "/v1/traces/" + traceID + "/replay/" + replayID
	w = f.do(t, http.MethodPost, base+"/cancel", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decodeBody(t, w)["status"])

	w = f.do(t, http.MethodPost, base+"/cancel", testDevKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterLoginAndUseToken(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "dev@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := decodeBody(t, w)
	assert.Equal(t, "dev@example.com", user["email"])
	assert.NotContains(t, w.Body.String(), "password")

	w = f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "dev@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusOK, w.Code)
	login := decodeBody(t, w)
	assert.Equal(t, "bearer", login["token_type"])
	token := login["access_token"].(string)

	w = f.do(t, http.MethodGet, "/v1/notifications", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "dev@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t, RouterOptions{})
	ctx := context.Background()
	notifier, err := notify.NewService(f.store)
	require.NoError(t, err)
	n, err := notifier.Create(ctx, auth.DefaultProject, notify.TypeDriftAlert, "Drift", "body", "a1")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/notifications", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody(t, w)["notifications"].([]any)
	require.Len(t, list, 1)

	w = f.do(t, http.MethodPatch, "/v1/notifications/"+n.ID+"/read", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["read"])

	w = f.do(t, http.MethodPost, "/v1/notifications/read-all", testDevKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody(t, w)["marked_read"])
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, RouterOptions{})

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied-id", rec.Header().Get("X-Request-ID"))
}

func TestRateLimiting(t *testing.T) {
	f := newFixture(t, RouterOptions{RateLimitRequests: 2, RateLimitWindowSeconds: 60})

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/v1/projects", "", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := f.do(t, http.MethodGet, "/v1/projects", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", decodeBody(t, w)["error"])

	// Health probes are exempt.
	w = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t, RouterOptions{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws?token=%s", wsURL, testDevKey), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["type"])
}

func TestWebSocketInvalidToken(t *testing.T) {
	f := newFixture(t, RouterOptions{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// The upgrade succeeds; the server then closes with the auth close code.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?token=bogus", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4001), "got %v", err)
}
