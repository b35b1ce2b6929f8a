package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-bot-launcher/internal/process"
	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeLauncher answers with canned values and records start requests.
type fakeLauncher struct {
	mu       sync.Mutex
	requests []supervisor.StartRequest

	launched    int
	startResult supervisor.StartResult
	startErr    error
	views       map[int]supervisor.StatusView
	terminateFn func(ctx context.Context, pid int) error
	removed     []int
}

func (f *fakeLauncher) StartAndAwaitResult(ctx context.Context, req supervisor.StartRequest) (supervisor.StartResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.startResult, f.startErr
}

func (f *fakeLauncher) Launch(req supervisor.StartRequest) (supervisor.StartResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.launched++
	f.mu.Unlock()
	res := f.startResult
	res.URL = ""
	return res, f.startErr
}

func (f *fakeLauncher) Status(pid int) (supervisor.StatusView, error) {
	v, ok := f.views[pid]
	if !ok {
		return supervisor.StatusView{}, supervisor.ErrNotFound
	}
	return v, nil
}

func (f *fakeLauncher) List() []supervisor.StatusView {
	out := make([]supervisor.StatusView, 0, len(f.views))
	for pid := 1; pid <= 100; pid++ {
		if v, ok := f.views[pid]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeLauncher) Terminate(ctx context.Context, pid int) error {
	if f.terminateFn != nil {
		return f.terminateFn(ctx, pid)
	}
	if _, ok := f.views[pid]; !ok {
		return supervisor.ErrNotFound
	}
	return nil
}

func (f *fakeLauncher) Remove(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, pid)
	return nil
}

func newTestServer(t *testing.T, l Launcher, runner process.Runner) *Server {
	t.Helper()
	if runner == nil {
		runner = process.NewBotRunner(process.DefaultBotConfig())
	}
	s, err := NewServer(ServerConfig{
		Addr:       "127.0.0.1:0",
		Launcher:   l,
		Runner:     runner,
		Logger:     slog.New(slog.DiscardHandler),
		RetryAfter: 7 * time.Second,
	})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target string, body url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// =============================================================================
// Construction
// =============================================================================

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{Runner: process.NewBotRunner(process.DefaultBotConfig())})
	require.Error(t, err)

	_, err = NewServer(ServerConfig{Launcher: &fakeLauncher{}})
	require.Error(t, err)
}

func TestNewServer_Defaults(t *testing.T) {
	s, err := NewServer(ServerConfig{
		Launcher: &fakeLauncher{},
		Runner:   process.NewBotRunner(process.DefaultBotConfig()),
	})
	require.NoError(t, err)
	require.Equal(t, defaultRetryAfter, s.retryAfter)
	require.Equal(t, defaultMaxTimeout, s.maxTimeout)
}

// =============================================================================
// Start
// =============================================================================

func TestHandleStart_Success(t *testing.T) {
	l := &fakeLauncher{startResult: supervisor.StartResult{
		URL:   "https://example.daily.co/abc",
		PID:   4242,
		RunID: "run-1",
	}}
	s := newTestServer(t, l, nil)

	for _, tc := range []struct {
		name   string
		method string
		target string
		body   url.Values
	}{
		{"GET root", http.MethodGet, "/?room=https://example.daily.co/abc&timeout=20s", nil},
		{"POST form", http.MethodPost, "/bots", url.Values{"room": {"https://example.daily.co/abc"}, "timeout": {"20"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.target, tc.body)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			got := decode[startResponse](t, rec)
			require.Equal(t, startResponse{
				Status:  "started",
				BotID:   4242,
				RunID:   "run-1",
				RoomURL: "https://example.daily.co/abc",
			}, got)
		})
	}

	require.Len(t, l.requests, 2)
	for _, req := range l.requests {
		require.Equal(t, "https://example.daily.co/abc", req.ResourceKey)
		require.Equal(t, 20*time.Second, req.Timeout)
		require.Equal(t, "python3", req.Launch.Path)
		require.Equal(t, []string{"bot.py", "-u", "https://example.daily.co/abc"}, req.Launch.Args)
		require.Contains(t, req.Launch.Env, "BOT_ROOM_URL=https://example.daily.co/abc")
	}
}

func TestHandleStart_NoRoom(t *testing.T) {
	l := &fakeLauncher{startResult: supervisor.StartResult{URL: "https://new.daily.co/x", PID: 7}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, l.requests, 1)
	require.Empty(t, l.requests[0].ResourceKey)
	require.Zero(t, l.requests[0].Timeout, "no timeout parameter means the launcher default")
	require.Equal(t, []string{"bot.py"}, l.requests[0].Launch.Args)
}

func TestHandleStart_Redirect(t *testing.T) {
	l := &fakeLauncher{startResult: supervisor.StartResult{URL: "https://example.daily.co/abc", PID: 1}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodGet, "/?redirect=1", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://example.daily.co/abc", rec.Header().Get("Location"))

	// POST never redirects.
	rec = do(t, s, http.MethodPost, "/bots", url.Values{"redirect": {"true"}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStart_NoWait(t *testing.T) {
	l := &fakeLauncher{startResult: supervisor.StartResult{URL: "https://example.daily.co/abc", PID: 4242, RunID: "run-2"}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodPost, "/bots", url.Values{"room": {"https://example.daily.co/abc"}, "wait": {"false"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "room_url")
	require.Equal(t, startResponse{
		Status: "initializing",
		BotID:  4242,
		RunID:  "run-2",
	}, decode[startResponse](t, rec))

	require.Equal(t, 1, l.launched)
	require.Len(t, l.requests, 1)
	require.Equal(t, "https://example.daily.co/abc", l.requests[0].ResourceKey)

	// wait=true is the default behaviour.
	rec = do(t, s, http.MethodGet, "/?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, l.launched)
}

func TestHandleStart_NoWaitErrors(t *testing.T) {
	l := &fakeLauncher{startErr: &supervisor.AdmissionError{ResourceKey: "https://x.daily.co/r", Limit: 1}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodGet, "/?room=https://x.daily.co/r&wait=0", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestHandleStart_BadRequest(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	tests := []struct {
		name   string
		target string
	}{
		{"room not a URL", "/?room=lobby"},
		{"room wrong scheme", "/?room=ftp://example.com/x"},
		{"timeout garbage", "/?timeout=soon"},
		{"timeout negative", "/?timeout=-5s"},
		{"timeout zero", "/?timeout=0"},
		{"timeout above max", "/?timeout=1h"},
		{"redirect garbage", "/?redirect=maybe"},
		{"wait garbage", "/?wait=later"},
		{"redirect without waiting", "/?redirect=1&wait=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.target, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotEmpty(t, decode[errorResponse](t, rec).Detail)
		})
	}
}

func TestHandleStart_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		pid        int
		err        error
		wantStatus int
		check      func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:       "admission denied",
			err:        &supervisor.AdmissionError{ResourceKey: "https://x.daily.co/r", Limit: 1},
			wantStatus: http.StatusTooManyRequests,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				require.Equal(t, "7", rec.Header().Get("Retry-After"))
				require.Zero(t, decode[errorResponse](t, rec).BotID)
			},
		},
		{
			name:       "spawn failed",
			err:        &supervisor.SpawnError{Cause: errors.New("exec: \"python3\": executable file not found in $PATH")},
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				require.Contains(t, decode[errorResponse](t, rec).Detail, "Failed to start bot process")
			},
		},
		{
			name:       "exited without result",
			pid:        99,
			err:        &supervisor.ExitError{ExitCode: 1, StderrTail: []string{"Traceback (most recent call last):", "KeyError: 'TAVUS_API_KEY'"}},
			wantStatus: http.StatusBadGateway,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				body := decode[errorResponse](t, rec)
				require.Equal(t, 99, body.BotID)
				require.NotNil(t, body.ExitCode)
				require.Equal(t, 1, *body.ExitCode)
				require.Equal(t, "Traceback (most recent call last):\nKeyError: 'TAVUS_API_KEY'", body.Error)
			},
		},
		{
			name:       "timeout",
			pid:        100,
			err:        supervisor.ErrTimeoutWaitingForResult,
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "timeout after client cancel",
			err:        fmt.Errorf("%w: %w", supervisor.ErrTimeoutWaitingForResult, context.Canceled),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "shutting down",
			err:        supervisor.ErrShuttingDown,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "exit during shutdown",
			err:        fmt.Errorf("%w: %w", supervisor.ErrShuttingDown, &supervisor.ExitError{ExitCode: 143}),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLauncher{startResult: supervisor.StartResult{PID: tt.pid}, startErr: tt.err}
			s := newTestServer(t, l, nil)

			rec := do(t, s, http.MethodGet, "/", nil)
			require.Equal(t, tt.wantStatus, rec.Code, "body: %s", rec.Body.String())
			if tt.check != nil {
				tt.check(t, rec)
			}
		})
	}
}

// =============================================================================
// Status, list, delete
// =============================================================================

func TestHandleStatus(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	l := &fakeLauncher{views: map[int]supervisor.StatusView{
		1: {PID: 1, RunID: "a", State: supervisor.StateStarting, ExitCode: -1, StartedAt: started},
		2: {PID: 2, RunID: "b", State: supervisor.StateRunning, ExitCode: -1, Result: "https://x.daily.co/2", StartedAt: started},
		3: {PID: 3, RunID: "c", State: supervisor.StateFinished, ExitCode: 1, StartedAt: started, EndedAt: started.Add(10 * time.Second),
			StderrTail: []string{"boom"}},
		4: {PID: 4, RunID: "d", State: supervisor.StateFailed, ExitCode: -1, Err: supervisor.ErrProcessVanished, StartedAt: started,
			EndedAt: started.Add(time.Second)},
		5: {PID: 5, RunID: "e", State: supervisor.StateFinished, ExitCode: 0, StartedAt: started, EndedAt: started.Add(time.Second),
			StderrTail: []string{"INFO bye"}},
	}}
	s := newTestServer(t, l, nil)

	tests := []struct {
		pid         int
		wantStatus  string
		wantURL     string
		wantCode    *int
		wantError   string
		wantMessage bool
	}{
		{pid: 1, wantStatus: "initializing", wantMessage: true},
		{pid: 2, wantStatus: "running", wantURL: "https://x.daily.co/2"},
		{pid: 3, wantStatus: "finished", wantCode: ptr(1), wantError: "boom"},
		{pid: 4, wantStatus: "failed", wantError: supervisor.ErrProcessVanished.Error()},
		{pid: 5, wantStatus: "finished", wantCode: ptr(0)},
	}
	for _, tt := range tests {
		t.Run(tt.wantStatus, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, fmt.Sprintf("/status/%d", tt.pid), nil)
			require.Equal(t, http.StatusOK, rec.Code)

			got := decode[statusResponse](t, rec)
			require.Equal(t, tt.pid, got.BotID)
			require.Equal(t, tt.wantStatus, got.Status)
			require.Equal(t, tt.wantURL, got.RoomURL)
			require.Equal(t, tt.wantCode, got.ExitCode)
			require.Equal(t, tt.wantError, got.Error)
			require.Equal(t, tt.wantMessage, got.Message != "")
		})
	}

	// Same document under /bots/{pid}.
	rec := do(t, s, http.MethodGet, "/bots/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", decode[statusResponse](t, rec).Status)
}

func ptr(v int) *int { return &v }

func TestHandleStatus_NotFound(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	rec := do(t, s, http.MethodGet, "/status/12345", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"detail":"Bot with process id: 12345 not found"}`, rec.Body.String())
}

func TestHandleStatus_InvalidPID(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	for _, target := range []string{"/status/abc", "/status/-1", "/status/0"} {
		rec := do(t, s, http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleList(t *testing.T) {
	l := &fakeLauncher{views: map[int]supervisor.StatusView{
		10: {PID: 10, State: supervisor.StateRunning, Result: "https://x.daily.co/a"},
		20: {PID: 20, State: supervisor.StateFinished},
	}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodGet, "/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[[]statusResponse](t, rec)
	require.Len(t, got, 2)
	require.Equal(t, 10, got[0].BotID)
	require.Equal(t, 20, got[1].BotID)
}

func TestHandleList_Empty(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	rec := do(t, s, http.MethodGet, "/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleDelete(t *testing.T) {
	l := &fakeLauncher{views: map[int]supervisor.StatusView{
		5: {PID: 5, State: supervisor.StateRunning},
	}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodDelete, "/bots/5", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []int{5}, l.removed)

	rec = do(t, s, http.MethodDelete, "/bots/6", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDelete_TerminationTimesOut(t *testing.T) {
	l := &fakeLauncher{terminateFn: func(ctx context.Context, pid int) error {
		return context.DeadlineExceeded
	}}
	s := newTestServer(t, l, nil)

	rec := do(t, s, http.MethodDelete, "/bots/5", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Empty(t, l.removed, "a bot that is still stopping must not be forgotten")
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestRouting_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	rec := do(t, s, http.MethodPut, "/bots", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, s, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Middleware
// =============================================================================

func TestCORS(t *testing.T) {
	s := newTestServer(t, &fakeLauncher{}, nil)

	t.Run("no origin", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/health", nil)
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("origin echoed with credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/bots", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "X-Custom")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
		require.Equal(t, "X-Custom", rec.Header().Get("Access-Control-Allow-Headers"))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(slog.New(slog.DiscardHandler), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"internal server error"}`, rec.Body.String())
}

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/1", nil))

	out := buf.String()
	require.Contains(t, out, "http_request")
	require.Contains(t, out, "status=418")
	require.Contains(t, out, "path=/status/1")
	require.Contains(t, out, "request_id=")
}

// =============================================================================
// End to end with real workers
// =============================================================================

// shRunner runs script under /bin/sh; the room arrives in BOT_ROOM_URL.
func shRunner(script string) process.Runner {
	return process.NewBotRunner(&process.BotConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		RoomEnv: "BOT_ROOM_URL",
	})
}

func newRealServer(t *testing.T, script string, cfg supervisor.Config) (*Server, *supervisor.Supervisor) {
	t.Helper()
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Second
	}
	if cfg.ResultTimeout == 0 {
		cfg.ResultTimeout = 5 * time.Second
	}
	cfg.Logger = slog.New(slog.DiscardHandler)
	sup := supervisor.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.ShutdownAll(ctx)
	})
	return newTestServer(t, sup, shRunner(script)), sup
}

func TestEndToEnd_StartStatusDelete(t *testing.T) {
	s, _ := newRealServer(t,
		`echo "loading"; echo "Join the video call at: ${BOT_ROOM_URL:-https://new.daily.co/auto}" >&2; exec sleep 30`,
		supervisor.Config{MaxPerKey: 1})

	room := "https://example.daily.co/e2e"
	rec := do(t, s, http.MethodPost, "/bots", url.Values{"room": {room}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[startResponse](t, rec)
	require.Equal(t, room, started.RoomURL)
	require.NotZero(t, started.BotID)

	// Second bot for the same room is refused.
	rec = do(t, s, http.MethodPost, "/bots", url.Values{"room": {room}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/status/%d", started.BotID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", decode[statusResponse](t, rec).Status)

	rec = do(t, s, http.MethodDelete, fmt.Sprintf("/bots/%d", started.BotID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/status/%d", started.BotID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The room is free again.
	rec = do(t, s, http.MethodPost, "/bots", url.Values{"room": {room}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEndToEnd_StartWithoutWaiting(t *testing.T) {
	s, _ := newRealServer(t,
		`sleep 0.2; echo "Join the video call at: ${BOT_ROOM_URL}"; exec sleep 30`,
		supervisor.Config{})

	room := "https://example.daily.co/bg"
	start := time.Now()
	rec := do(t, s, http.MethodPost, "/bots", url.Values{"room": {room}, "wait": {"0"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Less(t, time.Since(start), 200*time.Millisecond)

	started := decode[startResponse](t, rec)
	require.NotZero(t, started.BotID)
	require.Empty(t, started.RoomURL)

	target := fmt.Sprintf("/status/%d", started.BotID)
	require.Eventually(t, func() bool {
		st := decode[statusResponse](t, do(t, s, http.MethodGet, target, nil))
		return st.Status == "running" && st.RoomURL == room
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEnd_StartWithoutWaitingTimesOut(t *testing.T) {
	s, _ := newRealServer(t, `exec sleep 30`, supervisor.Config{})

	rec := do(t, s, http.MethodGet, "/?timeout=200ms&wait=false", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	target := fmt.Sprintf("/status/%d", decode[startResponse](t, rec).BotID)

	require.Eventually(t, func() bool {
		st := decode[statusResponse](t, do(t, s, http.MethodGet, target, nil))
		return st.Status == "failed" && strings.Contains(st.Error, "timeout")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEnd_WorkerCrashes(t *testing.T) {
	s, _ := newRealServer(t,
		`echo "Traceback (most recent call last):" >&2; echo "KeyError: 'TAVUS_API_KEY'" >&2; exit 1`,
		supervisor.Config{})

	rec := do(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decode[errorResponse](t, rec)
	require.NotNil(t, body.ExitCode)
	require.Equal(t, 1, *body.ExitCode)
	require.Contains(t, body.Error, "KeyError: 'TAVUS_API_KEY'")

	// The crashed bot stays queryable.
	rec = do(t, s, http.MethodGet, fmt.Sprintf("/status/%d", body.BotID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	require.Equal(t, "finished", st.Status)
	require.Contains(t, st.Error, "KeyError")
}

func TestEndToEnd_Timeout(t *testing.T) {
	s, sup := newRealServer(t, `exec sleep 30`, supervisor.Config{})

	start := time.Now()
	rec := do(t, s, http.MethodGet, "/?timeout=300ms", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Less(t, time.Since(start), 5*time.Second)

	pid := decode[errorResponse](t, rec).BotID
	require.NotZero(t, pid)

	v, err := sup.Status(pid)
	require.NoError(t, err)
	require.Equal(t, supervisor.StateFailed, v.State)
	require.ErrorIs(t, v.Err, supervisor.ErrTimeoutWaitingForResult)
}

func TestEndToEnd_ShuttingDown(t *testing.T) {
	s, sup := newRealServer(t, `exec sleep 30`, supervisor.Config{})

	require.NoError(t, sup.ShutdownAll(context.Background()))

	rec := do(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
