package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
)

// startResponse is returned once a bot printed its room URL, or at once
// for a start that does not wait.
type startResponse struct {
	Status  string `json:"status"`
	BotID   int    `json:"bot_id"`
	RunID   string `json:"run_id"`
	RoomURL string `json:"room_url,omitempty"`
}

// statusResponse describes one bot.
type statusResponse struct {
	BotID         int       `json:"bot_id"`
	RunID         string    `json:"run_id,omitempty"`
	Room          string    `json:"room,omitempty"`
	Status        string    `json:"status"`
	RoomURL       string    `json:"room_url,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Message       string    `json:"message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Detail   string `json:"detail"`
	BotID    int    `json:"bot_id,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HandleStart launches a bot and waits for its room URL.
//
// Parameters (query or form): room, the room the bot joins (optional, the
// bot creates one when empty); timeout, a Go duration or seconds; redirect,
// when true a successful start answers 302 to the room URL; wait, when
// false the bot is started and 202 returned at once, the timeout still
// applying in the background.
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	room := r.FormValue("room")
	if room != "" {
		if err := validateRoom(room); err != nil {
			s.sendError(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
			return
		}
	}

	timeout, err := s.parseTimeout(r.FormValue("timeout"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
		return
	}

	redirect := false
	if v := r.FormValue("redirect"); v != "" {
		redirect, err = strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, errorResponse{Detail: fmt.Sprintf("invalid redirect %q", v)})
			return
		}
	}

	wait := true
	if v := r.FormValue("wait"); v != "" {
		wait, err = strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, errorResponse{Detail: fmt.Sprintf("invalid wait %q", v)})
			return
		}
	}
	if redirect && !wait {
		s.sendError(w, http.StatusBadRequest, errorResponse{Detail: "redirect needs the room URL; it cannot be combined with wait=false"})
		return
	}

	req := supervisor.StartRequest{
		ResourceKey: room,
		Timeout:     timeout,
		Launch:      s.runner.LaunchSpec(room),
	}

	if !wait {
		res, err := s.launcher.Launch(req)
		if err != nil {
			s.sendStartError(w, res.PID, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, startResponse{
			Status: "initializing",
			BotID:  res.PID,
			RunID:  res.RunID,
		})
		return
	}

	res, err := s.launcher.StartAndAwaitResult(r.Context(), req)
	if err != nil {
		s.sendStartError(w, res.PID, err)
		return
	}

	if redirect && r.Method == http.MethodGet {
		http.Redirect(w, r, res.URL, http.StatusFound)
		return
	}

	s.writeJSON(w, http.StatusOK, startResponse{
		Status:  "started",
		BotID:   res.PID,
		RunID:   res.RunID,
		RoomURL: res.URL,
	})
}

// sendStartError maps a start failure to a status code.
func (s *Server) sendStartError(w http.ResponseWriter, pid int, err error) {
	body := errorResponse{Detail: err.Error(), BotID: pid}

	var exitErr *supervisor.ExitError
	switch {
	case errors.Is(err, supervisor.ErrShuttingDown):
		s.sendError(w, http.StatusServiceUnavailable, body)

	case errors.Is(err, supervisor.ErrAdmissionDenied):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
		s.sendError(w, http.StatusTooManyRequests, body)

	case errors.Is(err, supervisor.ErrSpawnFailed):
		body.Detail = "Failed to start bot process: " + err.Error()
		s.sendError(w, http.StatusInternalServerError, body)

	case errors.As(err, &exitErr):
		code := exitErr.ExitCode
		body.ExitCode = &code
		body.Error = exitErr.Stderr()
		s.sendError(w, http.StatusBadGateway, body)

	case errors.Is(err, supervisor.ErrTimeoutWaitingForResult):
		s.sendError(w, http.StatusGatewayTimeout, body)

	default:
		s.sendError(w, http.StatusInternalServerError, body)
	}
}

// HandleStatus reports one bot.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pathPID(w, r)
	if !ok {
		return
	}

	v, err := s.launcher.Status(pid)
	if err != nil {
		s.sendNotFound(w, pid, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toStatusResponse(v, time.Now()))
}

// HandleList reports every tracked bot, oldest first.
func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	views := s.launcher.List()
	out := make([]statusResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toStatusResponse(v, now))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// HandleDelete terminates a bot if it is alive and forgets it.
func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.pathPID(w, r)
	if !ok {
		return
	}

	if err := s.launcher.Terminate(r.Context(), pid); err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			s.sendNotFound(w, pid, err)
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.sendError(w, http.StatusGatewayTimeout, errorResponse{Detail: "termination still in progress", BotID: pid})
			return
		}
		s.sendError(w, http.StatusInternalServerError, errorResponse{Detail: err.Error(), BotID: pid})
		return
	}

	if err := s.launcher.Remove(pid); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
		s.sendError(w, http.StatusConflict, errorResponse{Detail: err.Error(), BotID: pid})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// toStatusResponse renders a StatusView. Starting bots are reported as
// "initializing".
func toStatusResponse(v supervisor.StatusView, now time.Time) statusResponse {
	out := statusResponse{
		BotID:         v.PID,
		RunID:         v.RunID,
		Room:          v.ResourceKey,
		Status:        v.State.String(),
		RoomURL:       v.Result,
		StartedAt:     v.StartedAt,
		UptimeSeconds: v.Uptime(now).Seconds(),
	}

	switch v.State {
	case supervisor.StateStarting:
		out.Status = "initializing"
		out.Message = "Bot starting up, room URL not available yet"
	case supervisor.StateFinished, supervisor.StateFailed:
		if v.ExitCode >= 0 {
			code := v.ExitCode
			out.ExitCode = &code
		}
		if v.Err != nil {
			out.Error = v.Err.Error()
		} else if len(v.StderrTail) > 0 && v.ExitCode != 0 {
			out.Error = strings.Join(v.StderrTail, "\n")
		}
	}
	return out
}

// validateRoom accepts absolute http(s) URLs.
func validateRoom(room string) error {
	u, err := url.Parse(room)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid room %q: must be an http(s) URL", room)
	}
	return nil
}

// parseTimeout accepts a Go duration ("45s") or whole seconds ("45").
// Empty means the launcher default.
func (s *Server) parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, fmt.Errorf("invalid timeout %q", v)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q: must be positive", v)
	}
	if d > s.maxTimeout {
		return 0, fmt.Errorf("invalid timeout %q: exceeds %s", v, s.maxTimeout)
	}
	return d, nil
}

// pathPID parses {pid}, answering 400 itself when it is not a number.
func (s *Server) pathPID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("pid")
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		s.sendError(w, http.StatusBadRequest, errorResponse{Detail: fmt.Sprintf("invalid process id %q", raw)})
		return 0, false
	}
	return pid, true
}

func (s *Server) sendNotFound(w http.ResponseWriter, pid int, err error) {
	if !errors.Is(err, supervisor.ErrNotFound) {
		s.sendError(w, http.StatusInternalServerError, errorResponse{Detail: err.Error(), BotID: pid})
		return
	}
	s.sendError(w, http.StatusNotFound, errorResponse{
		Detail: fmt.Sprintf("Bot with process id: %d not found", pid),
	})
}

func (s *Server) sendError(w http.ResponseWriter, status int, body errorResponse) {
	s.writeJSON(w, status, body)
}

// writeJSON encodes value as JSON into w. Encoding errors mean the client
// went away; they are logged, not answered.
func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}
