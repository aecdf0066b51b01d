// Package agent serves remote command execution for core.AgentRunner.
package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"matrixci/internal/core"
	"matrixci/internal/logging"
)

// Agent executes commands posted to /run.
type Agent struct {
	ID     string
	Runner core.CommandRunner
}

// New returns an agent running commands through the local shell.
func New(id string) *Agent {
	return &Agent{ID: id, Runner: core.NewShellRunner()}
}

// Routes returns the agent's HTTP handler.
func (a *Agent) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/run", a.handleRun)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// POST /run
func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	var req core.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "invalid request: empty command", http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := a.Runner.Run(r.Context(), core.Command{
		Line:    req.Command,
		Env:     req.Env,
		Dir:     req.Dir,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	resp := core.AgentResponse{
		AgentID:  a.ID,
		ExitCode: res.ExitCode,
		Output:   string(res.Output),
	}
	switch {
	case errors.Is(err, core.ErrCommandTimeout):
		resp.TimedOut = true
	case err != nil:
		resp.Error = err.Error()
	}
	logger.Info("command finished",
		"request_id", middleware.GetReqID(r.Context()),
		"exit_code", resp.ExitCode,
		"timed_out", resp.TimedOut,
		"duration", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
