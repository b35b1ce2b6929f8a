package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-bot-launcher/internal/config"
	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
)

// roomScript prints the room it was given, or a fresh one, then idles.
const roomScript = `echo "Join the video call at: ${BOT_ROOM_URL:-https://rooms.example.com/new}"; exec sleep 30`

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ListenAddr = freeAddr(t)
	cfg.MetricsAddr = ""
	cfg.BotCommand = "/bin/sh"
	cfg.BotArgs = []string{"-c", script}
	cfg.RoomFlag = ""
	cfg.RoomEnv = "BOT_ROOM_URL"
	cfg.ResultTimeout = 5 * time.Second
	cfg.GracePeriod = time.Second
	cfg.RetainFinished = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, out io.Writer) *Orchestrator {
	t.Helper()
	o, err := New(cfg, nil, Options{
		Version:  "test",
		Registry: prometheus.NewRegistry(),
		Output:   out,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.supervisor.ShutdownAll(ctx)
	})
	return o
}

// startRun runs o in the background and waits until the API answers.
func startRun(t *testing.T, o *Orchestrator, cfg *config.Config) (cancel func(), errCh <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- o.Run(ctx) }()

	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get("http://" + cfg.ListenAddr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancelFn()
			t.Fatalf("API never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cancelFn, ch
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewMarker(t *testing.T) {
	tests := []struct {
		name    string
		marker  string
		regexp  string
		line    string
		want    string
		wantErr bool
	}{
		{"prefix", "Join the video call at:", "", "INFO Join the video call at: https://r.example/a", "https://r.example/a", false},
		{"regexp_overrides", "ignored", `room=(\S+)`, "ready room=https://r.example/b ok", "https://r.example/b", false},
		{"bad_regexp", "", `room=(`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Marker = tt.marker
			cfg.MarkerRegexp = tt.regexp

			m, err := NewMarker(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMarker() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got, _ := m.Extract(tt.line); got != tt.want {
				t.Errorf("Extract(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestNewRunner(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BotDir = "/srv/bots"
	cfg.BotEnv = []string{"DAILY_API_KEY=x"}

	spec := NewRunner(cfg).LaunchSpec("https://rooms.example.com/a")

	if spec.Path != "python3" {
		t.Errorf("Path = %q, want python3", spec.Path)
	}
	if got := strings.Join(spec.Args, " "); got != "bot.py -u https://rooms.example.com/a" {
		t.Errorf("Args = %q", got)
	}
	if spec.Dir != "/srv/bots" {
		t.Errorf("Dir = %q", spec.Dir)
	}
	if got := strings.Join(spec.Env, ","); got != "DAILY_API_KEY=x,BOT_ROOM_URL=https://rooms.example.com/a" {
		t.Errorf("Env = %q", got)
	}
}

func TestNew_InvalidMarker(t *testing.T) {
	cfg := testConfig(t, roomScript)
	cfg.MarkerRegexp = "(unclosed"

	if _, err := New(cfg, nil, Options{Registry: prometheus.NewRegistry()}); err == nil {
		t.Error("New() should reject an invalid marker expression")
	}
}

// =============================================================================
// Check mode
// =============================================================================

func TestRunCheck_Success(t *testing.T) {
	var out bytes.Buffer
	o := newTestOrchestrator(t, testConfig(t, roomScript), &out)

	if err := o.RunCheck(context.Background()); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	if !strings.Contains(out.String(), "Room URL: https://rooms.example.com/new") {
		t.Errorf("output missing room URL:\n%s", out.String())
	}

	snap := o.stats.Snapshot()
	if snap.Starts != 1 || snap.Ready != 1 {
		t.Errorf("stats Starts=%d Ready=%d, want 1/1", snap.Starts, snap.Ready)
	}
	if c := o.supervisor.Counts(); c.Active() != 0 {
		t.Errorf("check bot still active: %+v", c)
	}
}

func TestRunCheck_Cancelled(t *testing.T) {
	var out bytes.Buffer
	o := newTestOrchestrator(t, testConfig(t, `exec sleep 30`), &out)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	err := o.RunCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCheck() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("RunCheck() took %v after cancellation", elapsed)
	}
	if c := o.supervisor.Counts(); c.Active() != 0 {
		t.Errorf("check bot left running: %+v", c)
	}
}

func TestRunCheck_WorkerExits(t *testing.T) {
	var out bytes.Buffer
	o := newTestOrchestrator(t, testConfig(t, `echo "no api key" >&2; exit 3`), &out)

	err := o.RunCheck(context.Background())
	if !errors.Is(err, supervisor.ErrWorkerExitedWithoutResult) {
		t.Fatalf("RunCheck() error = %v, want ErrWorkerExitedWithoutResult", err)
	}
	if !strings.Contains(out.String(), "no api key") {
		t.Errorf("stderr not printed:\n%s", out.String())
	}

	// The exit callback runs after the start has already failed.
	deadline := time.Now().Add(5 * time.Second)
	for o.stats.Snapshot().ExitCodes[3] != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("exit code 3 never recorded: %+v", o.stats.Snapshot().ExitCodes)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if summary := o.ExitSummary(); !strings.Contains(summary, "Exit Codes") {
		t.Errorf("summary missing exit codes:\n%s", summary)
	}
}

// =============================================================================
// Serving
// =============================================================================

func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig(t, roomScript)
	cfg.MetricsAddr = freeAddr(t)

	var out bytes.Buffer
	o := newTestOrchestrator(t, cfg, &out)
	cancel, errCh := startRun(t, o, cfg)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	defer client.CloseIdleConnections()
	form := url.Values{"room": {"https://rooms.example.com/r1"}}

	resp, err := client.PostForm("http://"+cfg.ListenAddr+"/bots", form)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var started struct {
		Status  string `json:"status"`
		BotID   int    `json:"bot_id"`
		RoomURL string `json:"room_url"`
	}
	err = json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || started.RoomURL != "https://rooms.example.com/r1" {
		t.Fatalf("start = %d %+v", resp.StatusCode, started)
	}

	// Default per-room limit is one.
	resp, err = client.PostForm("http://"+cfg.ListenAddr+"/bots", form)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second start = %d, want 429", resp.StatusCode)
	}

	resp, err = client.Get("http://" + cfg.MetricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		"bot_launcher_starts_total 1",
		"bot_launcher_admission_denied_total 1",
		"bot_launcher_active_bots 1",
		`bot_launcher_info{marker="Join the video call at:",version="test"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	v, err := o.supervisor.Status(started.BotID)
	if err != nil {
		t.Fatalf("Status after shutdown: %v", err)
	}
	if !v.State.IsTerminal() {
		t.Errorf("bot state after shutdown = %s, want terminal", v.State)
	}

	summary := out.String()
	for _, want := range []string{"Exit Summary", "Admission denied:", "API endpoint was:"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t, roomScript)
	cfg.ListenAddr = ln.Addr().String()
	o := newTestOrchestrator(t, cfg, io.Discard)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background()) }()

	err = waitRun(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "api listen") {
		t.Errorf("Run() error = %v, want listen failure", err)
	}
}

func TestRun_SweepsFinished(t *testing.T) {
	cfg := testConfig(t, `echo "Join the video call at: https://rooms.example.com/s"`)
	cfg.RetainFinished = time.Second

	o := newTestOrchestrator(t, cfg, io.Discard)
	cancel, errCh := startRun(t, o, cfg)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	defer client.CloseIdleConnections()
	resp, err := client.Post("http://"+cfg.ListenAddr+"/bots", "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d, want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(8 * time.Second)
	for o.supervisor.Counts().Total() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("finished bot never swept: %+v", o.supervisor.Counts())
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
