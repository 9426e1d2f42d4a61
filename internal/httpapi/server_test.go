package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/metrics"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/registry"
	"crabstack.local/projects/crab-handoff/internal/router"
	"crabstack.local/projects/crab-handoff/internal/session"
)

type testEnv struct {
	handler  http.Handler
	server   *Server
	registry *registry.Registry
	store    *session.MemoryStore
	cache    *session.Cache
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		store:   session.NewMemoryStore(),
		metrics: metrics.New(),
	}
	env.cache = session.NewCache(env.store, logger)
	reg := registry.New(logger)
	rt := router.New(logger, env.cache, env.store, reg, handoff.New(), router.WithMetrics(env.metrics))
	t.Cleanup(rt.Wait)

	opts = append([]Option{WithMetrics(env.metrics)}, opts...)
	srv := NewServer(logger, ":0", rt, reg, env.cache, env.store, opts...)
	env.handler = srv.Handler
	env.server = srv
	env.registry = reg
	return env
}

func wsURL(t *testing.T, ts *httptest.Server, query url.Values) string {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/v1/ws"
	u.RawQuery = query.Encode()
	return u.String()
}

func dial(t *testing.T, ts *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, ts, query), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event protocol.EventName, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	if err := conn.WriteJSON(protocol.Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// readUntil skips frames until one named want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.EventName) json.RawMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Event == want {
			return env.Data
		}
	}
}

func getSession(t *testing.T, ts *httptest.Server, workspaceID, sessionID string) (int, sessionView) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/sessions/" + workspaceID + "/" + sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer resp.Body.Close()
	var view sessionView
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			t.Fatalf("decode session: %v", err)
		}
	}
	return resp.StatusCode, view
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandoffBridgeCreatesPendingSession(t *testing.T) {
	env := newTestEnv(t)
	body := `{"workspaceId":"ws_1","requestData":{"sessionId":"s1","userIdentifier":"u1","message":"need help","reason":"asked"}}`
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/handoffs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"pending"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	stored, err := env.store.Get(context.Background(), "ws_1", "s1")
	if err != nil {
		t.Fatalf("expected stored session: %v", err)
	}
	if stored.Status != protocol.StatusPending {
		t.Fatalf("expected pending, got %s", stored.Status)
	}
}

func TestHandoffBridgeRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"json", http.MethodPost, `{"workspaceId":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"workspaceId":"ws_1","extra":1}`, http.StatusBadRequest},
		{"trailing", http.MethodPost, `{"workspaceId":"ws_1","requestData":{"sessionId":"s1"}} {}`, http.StatusBadRequest},
		{"missing session", http.MethodPost, `{"workspaceId":"ws_1","requestData":{}}`, http.StatusBadRequest},
		{"channel", http.MethodPost, `{"workspaceId":"ws_1","requestData":{"sessionId":"s1","channel":"fax"}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(tc.method, "/v1/handoffs", strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d body=%s", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestSessionLookup(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	if code, _ := getSession(t, ts, "ws_1", "missing"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	stored := session.SessionRecord{
		WorkspaceID: "ws_1",
		SessionID:   "s_old",
		Status:      protocol.StatusClosed,
		Channel:     protocol.ChannelWeb,
		Version:     4,
	}
	if err := env.store.Save(context.Background(), stored); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	code, view := getSession(t, ts, "ws_1", "s_old")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if view.Cached || view.Session.Status != protocol.StatusClosed || view.Session.Version != 4 {
		t.Fatalf("unexpected store view %+v", view)
	}
	if _, ok := env.cache.Get("ws_1", "s_old"); ok {
		t.Fatalf("lookup must not hydrate the cache")
	}
}

func TestRealtimeHandoffFlow(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	agent := dial(t, ts, url.Values{
		"role":        {"agent"},
		"workspaceId": {"ws_1"},
		"agentId":     {"a1"},
		"agentName":   {"Ana"},
	})
	send(t, agent, protocol.EventJoinAgentDashboard, protocol.JoinAgentDashboard{WorkspaceID: "ws_1"})
	readUntil(t, agent, protocol.OutDashboardSnapshot)

	user := dial(t, ts, url.Values{"role": {"user"}, "workspaceId": {"ws_1"}})
	send(t, user, protocol.EventUserMessage, protocol.UserMessage{
		WorkspaceID:    "ws_1",
		SessionID:      "s1",
		Message:        "hola",
		UserIdentifier: "u1",
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if code, _ := getSession(t, ts, "ws_1", "s1"); code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("user message never created the session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(ts.URL+"/v1/handoffs", "application/json",
		strings.NewReader(`{"workspaceId":"ws_1","requestData":{"sessionId":"s1","reason":"asked"}}`))
	if err != nil {
		t.Fatalf("post handoff: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var request protocol.NewChatRequestPayload
	if err := json.Unmarshal(readUntil(t, agent, protocol.OutNewChatRequest), &request); err != nil {
		t.Fatalf("decode new_chat_request: %v", err)
	}
	if request.SessionID != "s1" || len(request.History) == 0 {
		t.Fatalf("unexpected new_chat_request %+v", request)
	}

	var status protocol.StatusChangePayload
	if err := json.Unmarshal(readUntil(t, user, protocol.OutStatusChange), &status); err != nil {
		t.Fatalf("decode status_change: %v", err)
	}
	if status.Status != protocol.StatusPending {
		t.Fatalf("expected pending status change, got %s", status.Status)
	}

	send(t, agent, protocol.EventAgentJoined, protocol.AgentJoined{
		WorkspaceID: "ws_1",
		SessionID:   "s1",
		AgentID:     "a1",
		AgentName:   "Ana",
	})
	var success protocol.AssignmentSuccessPayload
	if err := json.Unmarshal(readUntil(t, agent, protocol.OutAssignmentSuccess), &success); err != nil {
		t.Fatalf("decode assignment_success: %v", err)
	}
	if success.Status != protocol.StatusInProgress {
		t.Fatalf("expected in_progress assignment, got %s", success.Status)
	}

	code, view := getSession(t, ts, "ws_1", "s1")
	if code != http.StatusOK || !view.Cached {
		t.Fatalf("expected cached session, got code=%d view=%+v", code, view)
	}
	if view.Session.AssignedAgentID != "a1" || view.Session.Status != protocol.StatusInProgress {
		t.Fatalf("unexpected session after claim %+v", view.Session)
	}
}

func TestWSReportsBadFrames(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn := dial(t, ts, url.Values{"workspaceId": {"ws_1"}})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(readUntil(t, conn, protocol.OutError), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Message != "invalid json" {
		t.Fatalf("unexpected error %+v", payload)
	}

	send(t, conn, protocol.EventUserMessage, map[string]any{"workspaceId": "ws_1", "sessionId": "s1"})
	if err := json.Unmarshal(readUntil(t, conn, protocol.OutError), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Event != protocol.EventUserMessage || !strings.Contains(payload.Message, "message is required") {
		t.Fatalf("unexpected validation error %+v", payload)
	}

	// agent events from a user socket are refused once, by the router
	send(t, conn, protocol.EventCloseChat, protocol.CloseChat{WorkspaceID: "ws_1", SessionID: "missing"})
	if err := json.Unmarshal(readUntil(t, conn, protocol.OutError), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.SessionID != "missing" || payload.Message != router.ErrAgentOnly.Error() {
		t.Fatalf("unexpected role error %+v", payload)
	}

	agent := dial(t, ts, url.Values{"role": {"agent"}, "workspaceId": {"ws_1"}, "agentId": {"a1"}})
	send(t, agent, protocol.EventCloseChat, protocol.CloseChat{WorkspaceID: "ws_1", SessionID: "missing"})
	if err := json.Unmarshal(readUntil(t, agent, protocol.OutError), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.SessionID != "missing" || payload.Message != "session not found" {
		t.Fatalf("unexpected not-found error %+v", payload)
	}
}

func TestWSRejectsBadQuery(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	for _, query := range []url.Values{
		{"role": {"robot"}, "workspaceId": {"ws_1"}},
		{"role": {"user"}},
	} {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(t, ts, query), nil)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("expected upgrade failure for %v", query)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %+v", query, resp)
		}
	}
}

func TestWSRejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(t, ts, url.Values{"workspaceId": {"ws_1"}}), headers)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("expected cross-origin websocket upgrade failure")
	}
	if resp == nil {
		t.Fatalf("expected http response for failed websocket upgrade")
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-origin upgrade, got %d", resp.StatusCode)
	}

	headers.Set("Origin", ts.URL)
	conn, _, err = websocket.DefaultDialer.Dial(wsURL(t, ts, url.Values{"workspaceId": {"ws_1"}}), headers)
	if err != nil {
		t.Fatalf("dial websocket with same-origin header: %v", err)
	}
	_ = conn.Close()
}

func TestSlowConsumerIsDropped(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	defer ts.Close()

	client := dial(t, ts, nil)
	serverSide := <-accepted
	m := metrics.New()
	c := newWSConn("c1", serverSide, 1, m)

	// no writer is running, so the second event overflows the buffer
	if err := c.Send(protocol.ChatTaken("s1")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(protocol.ChatTaken("s2")); !errors.Is(err, errSlowConsumer) {
		t.Fatalf("expected slow consumer error, got %v", err)
	}
	if err := c.Send(protocol.ChatTaken("s3")); !errors.Is(err, errConnClosed) {
		t.Fatalf("expected closed connection error, got %v", err)
	}

	if err := client.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("expected the dropped connection to be closed")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "crab_handoff_slow_connections_dropped_total 1") {
		t.Fatalf("expected dropped connection metric, got:\n%s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	body := `{"workspaceId":"ws_1","requestData":{"sessionId":"s1"}}`
	env.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/handoffs", strings.NewReader(body)))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `crab_handoff_inbound_events_total{event="new_handoff_request",result="ok"} 1`) {
		t.Fatalf("expected handoff counter in metrics output:\n%s", rec.Body.String())
	}
}

func TestShutdownClosesWebsockets(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	user := dial(t, ts, url.Values{"workspaceId": {"ws_1"}})
	agent := dial(t, ts, url.Values{"workspaceId": {"ws_1"}, "role": {"agent"}, "agentId": {"a1"}})

	deadline := time.Now().Add(2 * time.Second)
	for env.server.OpenConnections() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 open connections, got %d", env.server.OpenConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if n := env.server.OpenConnections(); n != 0 {
		t.Fatalf("expected no open connections after shutdown, got %d", n)
	}
	if n := env.registry.Connections(); n != 0 {
		t.Fatalf("expected router to have disconnected every socket, got %d registered", n)
	}
	for _, conn := range []*websocket.Conn{user, agent} {
		if err := readClose(conn); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected a normal close frame, got %v", err)
		}
	}

	late := dial(t, ts, url.Values{"workspaceId": {"ws_1"}})
	if err := readClose(late); err == nil {
		t.Fatalf("expected a socket opened after shutdown to be closed")
	}
	if n := env.registry.Connections(); n != 0 {
		t.Fatalf("late socket must not register, got %d", n)
	}
}

func readClose(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}
