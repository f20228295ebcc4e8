package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echograph/tavernbridge/internal/health"
	"github.com/echograph/tavernbridge/internal/model"
	"github.com/echograph/tavernbridge/internal/session"
	"github.com/echograph/tavernbridge/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSessions struct {
	current   model.Session
	state     session.State
	initOK    bool
	initForce []bool
	resets    int
	resetRes  health.ResetResult
	resetErr  error
	stats     session.Stats
	statsErr  error
}

func (f *fakeSessions) CurrentSession() model.Session { return f.current }
func (f *fakeSessions) State() session.State          { return f.state }
func (f *fakeSessions) InitializeSession(_ context.Context, _ string, force bool) bool {
	f.initForce = append(f.initForce, force)
	if f.initOK {
		f.current = model.Session{ID: "tavern_Aria_a1a013e2", CharacterID: "0", CharacterName: "Aria"}
		f.state = session.StateReady
	}
	return f.initOK
}
func (f *fakeSessions) Reset() { f.resets++ }
func (f *fakeSessions) QuickReset(context.Context) (health.ResetResult, error) {
	return f.resetRes, f.resetErr
}
func (f *fakeSessions) Stats(context.Context) (session.Stats, error) { return f.stats, f.statsErr }

type fakeConn struct {
	target string
	state  ws.ConnState
}

func (f fakeConn) Current() (string, ws.ConnState) { return f.target, f.state }

type fakeHealth struct {
	ok      bool
	status  health.Status
	checked time.Time
	err     error
}

func (f fakeHealth) Healthy() bool                                { return f.ok }
func (f fakeHealth) Last() (health.Status, time.Time, error)      { return f.status, f.checked, f.err }
func (f fakeHealth) Probe(context.Context) (health.Status, error) { return f.status, f.err }

type fakeLedger struct {
	bindings []*model.SessionBinding
}

func (f fakeLedger) ListRecent(_ context.Context, limit int) ([]*model.SessionBinding, error) {
	if limit < len(f.bindings) {
		return f.bindings[:limit], nil
	}
	return f.bindings, nil
}

func (f fakeLedger) GetByID(_ context.Context, id string) (*model.SessionBinding, error) {
	for _, b := range f.bindings {
		if b.SessionID == id {
			return b, nil
		}
	}
	return nil, model.ErrSessionNotFound
}

type fakeAdmin struct {
	cleared int
	export  string
	err     error
}

func (f *fakeAdmin) ClearData(context.Context) error {
	f.cleared++
	return f.err
}

func (f *fakeAdmin) Export(_ context.Context, _ string, w io.Writer) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := io.WriteString(w, f.export)
	return int64(n), err
}

type lifecycleCall struct {
	name string
	idx  int
}

type fakeLifecycle struct {
	calls []lifecycleCall
}

func (f *fakeLifecycle) OnChatChanged(context.Context) {
	f.calls = append(f.calls, lifecycleCall{"chat_changed", -1})
}
func (f *fakeLifecycle) OnMessageReceived(_ context.Context, idx int) {
	f.calls = append(f.calls, lifecycleCall{"received", idx})
}
func (f *fakeLifecycle) OnMessageEdited(_ context.Context, idx int) {
	f.calls = append(f.calls, lifecycleCall{"edited", idx})
}
func (f *fakeLifecycle) OnMessageSwiped(_ context.Context, idx int) {
	f.calls = append(f.calls, lifecycleCall{"swiped", idx})
}
func (f *fakeLifecycle) OnMessageDeleted(context.Context) {
	f.calls = append(f.calls, lifecycleCall{"deleted", -1})
}
func (f *fakeLifecycle) OnPromptReady(_ context.Context, p *model.PromptPayload) {
	f.calls = append(f.calls, lifecycleCall{"prompt", len(p.Chat)})
	p.Chat = append(p.Chat, model.PromptMessage{Role: "system", Content: "injected"})
}

type fakeCaller struct {
	action  string
	payload any
	timeout time.Duration
	data    json.RawMessage
	err     error
}

func (f *fakeCaller) Call(_ context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.action, f.payload, f.timeout = action, payload, timeout
	return f.data, f.err
}

type fakeFeed struct {
	entries []model.ActivityEntry
}

func (f fakeFeed) Recent(n int) []model.ActivityEntry {
	if n < len(f.entries) {
		return f.entries[:n]
	}
	return f.entries
}

type fixture struct {
	sessions  *fakeSessions
	admin     *fakeAdmin
	lifecycle *fakeLifecycle
	caller    *fakeCaller
	engine    *gin.Engine
}

func newFixture(hc fakeHealth, ledger Ledger, feed fakeFeed) *fixture {
	f := &fixture{
		sessions:  &fakeSessions{initOK: true},
		admin:     &fakeAdmin{export: `{"nodes":[]}`},
		lifecycle: &fakeLifecycle{},
		caller:    &fakeCaller{data: json.RawMessage(`{"graph_nodes":3}`)},
		engine:    gin.New(),
	}
	sh := NewSessionHandler(f.sessions, fakeConn{"tavern_Aria_a1a013e2", ws.StateOpen}, hc, ledger, f.admin)
	eh := NewEventHandler(f.lifecycle, f.caller, feed)

	f.engine.GET("/health", sh.Health)
	api := f.engine.Group("/api")
	sh.RegisterRoutes(api)
	eh.RegisterRoutes(api)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthAndStatus(t *testing.T) {
	checked := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(fakeHealth{ok: true, status: health.Status{Status: "healthy", Version: "1.2.0"}, checked: checked}, nil, fakeFeed{})

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","backendHealthy":true}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "open", st.Connection)
	assert.Equal(t, "tavern_Aria_a1a013e2", st.ConnectedTo)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, "1.2.0", st.Backend.Version)
	assert.Equal(t, "2024-05-01T10:00:00Z", st.LastCheckedAt)
	assert.Empty(t, st.LastError)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(fakeHealth{status: health.Status{Status: "healthy"}}, nil, fakeFeed{})
	w := f.do(http.MethodPost, "/api/backend/test", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(fakeHealth{err: errors.New("connection refused")}, nil, fakeFeed{})
	w = f.do(http.MethodPost, "/api/backend/test", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "BACKEND_UNREACHABLE", decodeError(t, w).Code)
}

func TestInitialize(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})

	w := f.do(http.MethodPost, "/api/session/initialize", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tavern_Aria_a1a013e2")

	w = f.do(http.MethodPost, "/api/session/initialize", `{"force":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{false, true}, f.sessions.initForce)

	w = f.do(http.MethodPost, "/api/session/initialize", `{"force":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.sessions.initOK = false
	f.sessions.state = session.StateFailed
	w = f.do(http.MethodPost, "/api/session/initialize", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INITIALIZATION_FAILED", decodeError(t, w).Code)
}

func TestResetAndQuickReset(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})

	w := f.do(http.MethodPost, "/api/session/reset", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, f.sessions.resets)

	f.sessions.resetRes = health.ResetResult{Success: true, Message: "ok"}
	f.sessions.resetRes.ClearedCounts.Total = 4
	w = f.do(http.MethodPost, "/api/session/quick_reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":4`)

	f.sessions.resetErr = fmt.Errorf("quick reset: %w", health.ErrUnexpectedStatus)
	w = f.do(http.MethodPost, "/api/session/quick_reset", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStatsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"no session", model.ErrNoSession, http.StatusConflict},
		{"timeout", fmt.Errorf("sessions.stats: %w", ws.ErrCallTimeout), http.StatusGatewayTimeout},
		{"not connected", fmt.Errorf("sessions.stats: %w", ws.ErrNotConnected), http.StatusServiceUnavailable},
		{"remote", &ws.RemoteError{Action: "sessions.stats", Message: "graph locked"}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(fakeHealth{}, nil, fakeFeed{})
			f.sessions.statsErr = tt.err
			w := f.do(http.MethodGet, "/api/session/stats", "")
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestRemoteErrorDetails(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})
	f.caller.err = &ws.RemoteError{Action: "tavern.enhance_prompt", Message: "no graph"}

	w := f.do(http.MethodPost, "/api/rpc/tavern.enhance_prompt", `{"user_input":"hi"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)
	detail := decodeError(t, w)
	assert.Equal(t, "no graph", detail.Message)
	assert.Equal(t, "tavern.enhance_prompt", detail.Details["action"])
}

func TestSessionsLedger(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ledger := fakeLedger{bindings: []*model.SessionBinding{
		{SessionID: "s2", CharacterID: "1", CharacterName: "Bram", Source: model.SessionSourceExisting, CreatedAt: created, UpdatedAt: created},
		{SessionID: "s1", CharacterID: "0", CharacterName: "Aria", Source: model.SessionSourceInitialized, CreatedAt: created, UpdatedAt: created},
	}}
	f := newFixture(fakeHealth{}, ledger, fakeFeed{})

	w := f.do(http.MethodGet, "/api/sessions?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []BindingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].SessionID)
	assert.Equal(t, "2024-05-01T10:00:00Z", list[0].CreatedAt)

	w = f.do(http.MethodGet, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"initialized"`)

	w = f.do(http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionsWithoutLedger(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})
	w := f.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestExportAndClear(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})

	w := f.do(http.MethodGet, "/api/sessions/tavern_Aria_a1a013e2/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"nodes":[]}`, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "tavern_Aria_a1a013e2.json")

	w = f.do(http.MethodPost, "/api/session/clear", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, f.admin.cleared)

	f.admin.err = fmt.Errorf("export: %w", health.ErrUnexpectedStatus)
	w = f.do(http.MethodGet, "/api/sessions/x/export", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
}

func TestEvents(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/events/chat_changed", "").Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/events/message_received", `{"index":3}`).Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/events/message_edited", `{"index":0}`).Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/events/message_swiped", `{"index":2}`).Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/events/message_deleted", "").Code)

	assert.Equal(t, []lifecycleCall{
		{"chat_changed", -1},
		{"received", 3},
		{"edited", 0},
		{"swiped", 2},
		{"deleted", -1},
	}, f.lifecycle.calls)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/events/message_received", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/events/bogus", "").Code)
}

func TestPromptReadyEvent(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})

	w := f.do(http.MethodPost, "/api/events/prompt_ready", `{"dryRun":false,"chat":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var p model.PromptPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.Len(t, p.Chat, 2)
	assert.Equal(t, "injected", p.Chat[1].Content)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/events/prompt_ready", `[`).Code)
}

func TestRPC(t *testing.T) {
	f := newFixture(fakeHealth{}, nil, fakeFeed{})

	w := f.do(http.MethodPost, "/api/rpc/sessions.stats?timeout=15s", `{"session_id":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"action":"sessions.stats","data":{"graph_nodes":3}}`, w.Body.String())
	assert.Equal(t, "sessions.stats", f.caller.action)
	assert.Equal(t, 15*time.Second, f.caller.timeout)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(f.caller.payload.(json.RawMessage)))

	w = f.do(http.MethodPost, "/api/rpc/tavern.current_session", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, f.caller.payload)
	assert.Zero(t, f.caller.timeout)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rpc/x?timeout=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rpc/x", `{"a":`).Code)
}

func TestActivity(t *testing.T) {
	feed := fakeFeed{entries: []model.ActivityEntry{
		{Level: model.ActivitySuccess, Message: "Character switched: Aria"},
		{Level: model.ActivityInfo, Message: "Backend requested character data"},
	}}
	f := newFixture(fakeHealth{}, nil, feed)

	w := f.do(http.MethodGet, "/api/activity?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.ActivityEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Character switched: Aria", entries[0].Message)

	f = newFixture(fakeHealth{}, nil, fakeFeed{})
	w = f.do(http.MethodGet, "/api/activity", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}
