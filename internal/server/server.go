// Package server accepts pipelines over HTTP and runs them in the
// background.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"matrixci/internal/blockchain"
	"matrixci/internal/core"
	"matrixci/internal/logging"
	"matrixci/internal/metrics"
)

// Run states.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// maxPipelineSize bounds accepted pipeline documents.
const maxPipelineSize = 1 << 20

// RunStatus is what GET /runs/{id} returns.
type RunStatus struct {
	ID        string       `json:"id"`
	Pipeline  string       `json:"pipeline"`
	Status    string       `json:"status"`
	Submitted time.Time    `json:"submitted_at"`
	Report    *core.Report `json:"report,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Server owns the submitted runs.
type Server struct {
	ctx     context.Context
	runner  *core.Runner
	ledger  *blockchain.Ledger
	metrics *metrics.Recorder
	baseEnv map[string]string

	mu   sync.Mutex
	runs map[string]*RunStatus
	wg   sync.WaitGroup
}

// New creates a server. Runs execute under ctx, so cancelling it stops
// them from starting further jobs.
func New(ctx context.Context, runner *core.Runner, baseEnv map[string]string) *Server {
	return &Server{
		ctx:     ctx,
		runner:  runner,
		ledger:  runner.Ledger,
		metrics: runner.Metrics,
		baseEnv: baseEnv,
		runs:    make(map[string]*RunStatus),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/pipelines", s.handleSubmitPipeline)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/ledger", s.handleLedger)
	r.Get("/ledger/verify", s.handleVerifyLedger)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Wait blocks until every background run has finished.
func (s *Server) Wait() { s.wg.Wait() }

// POST /pipelines -> submit a pipeline document (YAML, or HCL with
// ?format=hcl). Optional query parameters: job=dim=value (repeatable) and
// fail_fast=true|false.
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPipelineSize))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	var p *core.Pipeline
	if isHCL(r) {
		p, err = core.ParsePipelineHCL("pipeline.hcl", data)
	} else {
		p, err = core.ParsePipeline(data)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	selector, err := core.ParseSelector(q["job"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// reject bad selectors now rather than in the background
	if _, err := core.Plan(p, selector); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := core.RunOptions{RunID: uuid.Must(uuid.NewV7()).String(), Selector: selector, BaseEnv: s.jobEnv(p)}
	if v := q.Get("fail_fast"); v != "" {
		ff, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid fail_fast", http.StatusBadRequest)
			return
		}
		opts.FailFast = &ff
	}

	status := &RunStatus{ID: opts.RunID, Pipeline: p.Name, Status: StatusPending, Submitted: time.Now().UTC()}
	s.mu.Lock()
	s.runs[status.ID] = status
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(p, opts)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/runs/"+status.ID)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": status.ID, "status": StatusPending})
}

func (s *Server) execute(p *core.Pipeline, opts core.RunOptions) {
	defer s.wg.Done()
	s.setStatus(opts.RunID, func(st *RunStatus) { st.Status = StatusRunning })

	report, err := s.runner.RunPipeline(s.ctx, p, opts)
	s.setStatus(opts.RunID, func(st *RunStatus) {
		switch {
		case err != nil:
			st.Status = StatusFailed
			st.Error = err.Error()
		default:
			st.Status = StatusFinished
			st.Report = report
		}
	})
	if err != nil {
		logging.FromContext(s.ctx).Error("run failed", "run", opts.RunID, "error", err)
	}
}

func (s *Server) setStatus(id string, update func(*RunStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.runs[id]; ok {
		update(st)
	}
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	st, ok := s.runs[id]
	var snapshot RunStatus
	if ok {
		snapshot = *st
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, st := range s.runs {
		summary := *st
		summary.Report = nil
		out = append(out, summary)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// GET /ledger
func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Blocks())
}

// GET /ledger/verify -> run VerifyChain
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger disabled", http.StatusNotFound)
		return
	}
	if err := s.ledger.VerifyChain(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "tampered", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blocks": len(s.ledger.Blocks())})
}

// jobEnv layers the server's environment over the pipeline's env block.
func (s *Server) jobEnv(p *core.Pipeline) map[string]string {
	env := make(map[string]string, len(p.Env)+len(s.baseEnv))
	for k, v := range p.Env {
		env[k] = v
	}
	for k, v := range s.baseEnv {
		env[k] = v
	}
	return env
}

func isHCL(r *http.Request) bool {
	return r.URL.Query().Get("format") == "hcl" || strings.Contains(r.Header.Get("Content-Type"), "hcl")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]string{"error": err.Error()}
	var ce *core.ConfigError
	if errors.As(err, &ce) {
		body["code"] = string(ce.Code)
	}
	writeJSON(w, code, body)
}
