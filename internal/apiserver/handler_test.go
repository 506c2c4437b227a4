package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/agent-relay/internal/runner"
	"github.com/multi-agent/agent-relay/internal/store"
	"github.com/multi-agent/agent-relay/internal/telegram"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
)

// ========================================
// fakes
// ========================================

type fakeAgent struct {
	mu       sync.Mutex
	startErr error
	abortErr error
	cwdErr   error
	running  bool
	token    string
	cwd      string
	prompts  []string
	opts     []runner.Options
	cleared  int
}

func (f *fakeAgent) Start(_ context.Context, prompt string, opts runner.Options) (<-chan runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	f.running = true
	ch := make(chan runner.Result, 1)
	ch <- runner.Result{InvocationID: "inv-1", Status: runner.StatusExited}
	close(ch)
	return ch, nil
}

func (f *fakeAgent) Abort() (int, error) {
	if f.abortErr != nil {
		return 0, f.abortErr
	}
	return 4242, nil
}

func (f *fakeAgent) Status() runner.StatusInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := runner.StatusInfo{Running: f.running, DefaultCwd: f.cwd, HasToken: f.token != ""}
	if f.running {
		st.InvocationID = "inv-1"
	}
	return st
}

func (f *fakeAgent) Token() string { return f.token }

func (f *fakeAgent) ClearToken(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.cleared++
	return nil
}

func (f *fakeAgent) SetDefaultCwd(dir string) error {
	if f.cwdErr != nil {
		return f.cwdErr
	}
	f.mu.Lock()
	f.cwd = dir
	f.mu.Unlock()
	return nil
}

type fakeBridge struct {
	info       telegram.Info
	history    *telegram.History
	connectErr error
	connects   []connectRequest
	stopped    int
}

func (f *fakeBridge) Info() telegram.Info        { return f.info }
func (f *fakeBridge) History() *telegram.History { return f.history }
func (f *fakeBridge) Stop(context.Context)       { f.stopped++; f.info.State = telegram.StateDisabled }

func (f *fakeBridge) Connect(_ context.Context, token string, chatID int64) error {
	f.connects = append(f.connects, connectRequest{Token: token, ChatID: chatID})
	if f.connectErr != nil {
		return f.connectErr
	}
	f.info.State = telegram.StateEnabled
	f.info.Polling = true
	return nil
}

type fakeRuns struct {
	filter store.RunFilter
}

func (f *fakeRuns) List(_ context.Context, filter store.RunFilter) ([]store.AgentRun, error) {
	f.filter = filter
	return []store.AgentRun{{ID: "r1", Status: "exited"}}, nil
}

// envelope 响应信封。
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return NewServer(context.Background(), deps)
}

func do(t *testing.T, s *Server, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return w.Code, env
}

// ========================================
// tests
// ========================================

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		startErr error
		body     any
		wantCode int
		wantErr  string
	}{
		{"accepted", nil, executeRequest{Prompt: "ls", Cwd: "/tmp", NewSession: true}, http.StatusAccepted, ""},
		{"empty_prompt", nil, executeRequest{Prompt: "  "}, http.StatusBadRequest, "invalid_input"},
		{"busy", apperrors.ErrBusy, executeRequest{Prompt: "ls"}, http.StatusConflict, "busy"},
		{"bad_cwd", apperrors.Wrap(apperrors.ErrInvalidWorkDir, "op", "nope"), executeRequest{Prompt: "ls"}, http.StatusBadRequest, "invalid_workdir"},
		{"spawn_failed", apperrors.ErrSpawnFailed, executeRequest{Prompt: "ls"}, http.StatusBadGateway, "spawn_failed"},
		{"coded_error_keeps_code", apperrors.WithCode(apperrors.ErrInvalidInput, "runner.Start", "empty_prompt", "empty prompt"), executeRequest{Prompt: "/claude"}, http.StatusBadRequest, "empty_prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &fakeAgent{startErr: tt.startErr}
			s := newTestServer(t, Deps{Agent: agent})

			code, env := do(t, s, http.MethodPost, "/api/execute", tt.body)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantErr != "" {
				assert.False(t, env.Success)
				assert.Equal(t, tt.wantErr, env.Error.Code)
				return
			}
			assert.True(t, env.Success)
			assert.JSONEq(t, `{"invocation_id":"inv-1"}`, string(env.Data))
			require.Len(t, agent.opts, 1)
			assert.Equal(t, "/tmp", agent.opts[0].Cwd)
			assert.True(t, agent.opts[0].SkipContinuation)
			assert.False(t, agent.opts[0].SourceIsBridge)
		})
	}
}

func TestAbort(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})
	code, env := do(t, s, http.MethodPost, "/api/abort", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"pid":4242}`, string(env.Data))

	s = newTestServer(t, Deps{Agent: &fakeAgent{abortErr: apperrors.ErrNoActiveProcess}})
	code, env = do(t, s, http.MethodPost, "/api/abort", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "no_active_process", env.Error.Code)
}

func TestSession(t *testing.T) {
	agent := &fakeAgent{token: "sess-1"}
	resets := 0
	s := newTestServer(t, Deps{Agent: agent, OnSessionReset: func() { resets++ }})

	_, env := do(t, s, http.MethodGet, "/api/session", nil)
	assert.JSONEq(t, `{"token":"sess-1","has_token":true}`, string(env.Data))

	code, _ := do(t, s, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, agent.cleared)
	assert.Equal(t, 1, resets)

	_, env = do(t, s, http.MethodGet, "/api/session", nil)
	assert.JSONEq(t, `{"token":"","has_token":false}`, string(env.Data))
}

func TestWorkDir(t *testing.T) {
	agent := &fakeAgent{}
	s := newTestServer(t, Deps{Agent: agent})
	code, env := do(t, s, http.MethodPost, "/api/workdir", workDirRequest{Path: "/srv/project"})
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cwd":"/srv/project"}`, string(env.Data))

	agent.cwdErr = apperrors.Wrap(apperrors.ErrInvalidWorkDir, "op", "not a directory")
	code, env = do(t, s, http.MethodPost, "/api/workdir", workDirRequest{Path: "/nope"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_workdir", env.Error.Code)
}

func TestStatus(t *testing.T) {
	bridge := &fakeBridge{info: telegram.Info{State: telegram.StateEnabled, ChatID: 1001}, history: telegram.NewHistory()}
	s := newTestServer(t, Deps{Agent: &fakeAgent{cwd: "/w"}, Bridge: bridge})

	_, env := do(t, s, http.MethodGet, "/api/status", nil)
	var got struct {
		Agent  runner.StatusInfo `json:"agent"`
		Bridge telegram.Info     `json:"bridge"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "/w", got.Agent.DefaultCwd)
	assert.Equal(t, telegram.StateEnabled, got.Bridge.State)
	assert.EqualValues(t, 1001, got.Bridge.ChatID)
}

func TestBridgeEndpoints(t *testing.T) {
	hist := telegram.NewHistory()
	hist.Add("user", "hello", 1001, "ann", "chat")
	hist.Add("bot", "hi", 1001, "", "sent")
	bridge := &fakeBridge{info: telegram.Info{State: telegram.StateDisabled}, history: hist}
	s := newTestServer(t, Deps{Agent: &fakeAgent{}, Bridge: bridge})

	t.Run("connect", func(t *testing.T) {
		code, env := do(t, s, http.MethodPost, "/api/bridge/connect", connectRequest{Token: "tok", ChatID: 1001})
		assert.Equal(t, http.StatusOK, code)
		var info telegram.Info
		require.NoError(t, json.Unmarshal(env.Data, &info))
		assert.True(t, info.Polling)
		assert.Equal(t, []connectRequest{{Token: "tok", ChatID: 1001}}, bridge.connects)
	})

	t.Run("connect_without_body_uses_config", func(t *testing.T) {
		code, _ := do(t, s, http.MethodPost, "/api/bridge/connect", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, connectRequest{}, bridge.connects[len(bridge.connects)-1])
	})

	t.Run("connect_auth_failure", func(t *testing.T) {
		bridge.connectErr = apperrors.ErrTransportAuth
		defer func() { bridge.connectErr = nil }()
		code, env := do(t, s, http.MethodPost, "/api/bridge/connect", connectRequest{Token: "bad"})
		assert.Equal(t, http.StatusBadGateway, code)
		assert.Equal(t, "transport_auth", env.Error.Code)
	})

	t.Run("history", func(t *testing.T) {
		_, env := do(t, s, http.MethodGet, "/api/history?limit=1", nil)
		var entries []telegram.HistoryEntry
		require.NoError(t, json.Unmarshal(env.Data, &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "hi", entries[0].Text)
	})

	t.Run("disconnect", func(t *testing.T) {
		code, _ := do(t, s, http.MethodPost, "/api/bridge/disconnect", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, 1, bridge.stopped)
	})
}

func TestBridgeNotConfigured(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})
	code, env := do(t, s, http.MethodGet, "/api/bridge", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_configured", env.Error.Code)
}

func TestRuns(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})
	code, _ := do(t, s, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusNotFound, code)

	runs := &fakeRuns{}
	s = newTestServer(t, Deps{Agent: &fakeAgent{}, Runs: runs})
	code, env := do(t, s, http.MethodGet, "/api/runs?status=exited&keyword=ls&limit=5", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.RunFilter{Status: "exited", Keyword: "ls", Limit: 5}, runs.filter)
	var got []store.AgentRun
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}
