package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"matrixci/internal/blockchain"
	"matrixci/internal/logging"
	"matrixci/internal/metrics"
	"matrixci/internal/security"
	"matrixci/internal/storage"
	"matrixci/pkg/utils"
)

// Runner ties together Scheduler + Executor + step logs + ledger + metrics
type Runner struct {
	Scheduler  *Scheduler
	Executor   *Executor
	LogStorage *storage.LogStorage // nil keeps no step logs
	Ledger     *blockchain.Ledger  // nil keeps no audit trail
	Keys       *security.KeyPair   // signs ledger blocks when set
	Metrics    *metrics.Recorder
	AgentID    string // recorded for steps run by the local shell
}

// NewRunner returns a runner with a local shell executor and no
// persistence.
func NewRunner(concurrency int) *Runner {
	return &Runner{
		Scheduler: NewScheduler(concurrency),
		Executor:  NewExecutor(),
		AgentID:   "local",
	}
}

// RunOptions adjusts a single run.
type RunOptions struct {
	RunID    string            // generated when empty
	FailFast *bool             // overrides the pipeline setting
	Selector map[string]string // restricts the run to matching jobs
	BaseEnv  map[string]string
}

// Plan expands the pipeline's matrix and applies the selector.
func Plan(p *Pipeline, selector map[string]string) ([]JobContext, error) {
	jobs, err := Expand(p.Matrix)
	if err != nil {
		return nil, err
	}
	return Select(p.Matrix, jobs, selector)
}

// Select keeps the jobs whose coordinates match every selector entry.
// Selecting on an unknown dimension is an error, as is a selector that
// matches nothing.
func Select(dims []Dimension, jobs []JobContext, selector map[string]string) ([]JobContext, error) {
	if len(selector) == 0 {
		return jobs, nil
	}
	known := make(map[string]bool, len(dims))
	for _, d := range dims {
		known[d.Name] = true
	}
	for name := range selector {
		if !known[name] {
			return nil, newConfigError(ErrCodeUnknownDimension, "job selector: unknown dimension %q", name)
		}
	}

	var out []JobContext
	for _, job := range jobs {
		match := true
		for name, want := range selector {
			if got, _ := job.Get(name); got != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, job)
		}
	}
	if len(out) == 0 {
		return nil, newConfigError(ErrCodeInvalidMatrix, "job selector %s matches no job", formatSelector(selector))
	}
	return out, nil
}

// ParseSelector parses "dim=value" expressions. Each expression may hold
// several comma-separated pairs: "version=nightly,linkage=static".
func ParseSelector(exprs []string) (map[string]string, error) {
	out := make(map[string]string, len(exprs))
	for _, expr := range exprs {
		for _, e := range strings.Split(expr, ",") {
			name, value, ok := strings.Cut(e, "=")
			name, value = strings.TrimSpace(name), strings.TrimSpace(value)
			if !ok || name == "" {
				return nil, fmt.Errorf("invalid job selector %q, expected dimension=value", e)
			}
			out[name] = value
		}
	}
	return out, nil
}

func formatSelector(sel map[string]string) string {
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + sel[k]
	}
	return strings.Join(parts, ",")
}

// RunPipeline plans and executes every selected job and returns the
// report. The error is non-nil only when the run could not be planned;
// job failures are reported in the Report.
func (r *Runner) RunPipeline(ctx context.Context, p *Pipeline, opts RunOptions) (*Report, error) {
	jobs, err := Plan(p, opts.Selector)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.Must(uuid.NewV7()).String()
	}
	failFast := p.FailFast
	if opts.FailFast != nil {
		failFast = *opts.FailFast
	}

	logger := logging.FromContext(ctx).With("run", runID, "pipeline", p.Name)
	ctx = logging.WithLogger(ctx, logger)
	logger.Info("run started", "jobs", len(jobs), "fail_fast", failFast, "concurrency", r.Scheduler.Concurrency)

	exec := *r.Executor
	exec.Observer = &runObserver{runner: r, runID: runID, pipeline: p.Name}

	start := time.Now()
	results := r.Scheduler.Run(ctx, p, jobs, failFast, func(ctx context.Context, job JobContext) JobResult {
		r.Metrics.JobStarted()
		res := exec.RunJob(ctx, p, job, opts.BaseEnv)
		r.Metrics.JobFinished(p.Name, string(res.Outcome), true, res.Duration)
		logJob(logging.FromContext(ctx), res)
		return res
	})
	for _, res := range results {
		if res.Outcome == OutcomeSkipped {
			r.Metrics.JobFinished(p.Name, string(res.Outcome), false, 0)
			logJob(logger, res)
		}
	}

	report := &Report{
		RunID:     runID,
		Pipeline:  p.Name,
		FailFast:  failFast,
		StartedAt: start.UTC(),
		Jobs:      results,
		Duration:  time.Since(start),
		Cancelled: ctx.Err() != nil,
	}
	r.Metrics.RunFinished(p.Name, report.Success())

	if r.Ledger != nil {
		if err := r.Ledger.VerifyChain(); err != nil {
			logger.Error("ledger verification failed", "error", err)
		} else {
			logger.Debug("ledger verified", "last_hash", r.Ledger.LastHash())
		}
	}
	logger.Info("run finished", "success", report.Success(), "duration", report.Duration)
	return report, nil
}

func logJob(logger *slog.Logger, res JobResult) {
	attrs := []any{"job", res.Name, "outcome", res.Outcome, "duration", res.Duration}
	switch {
	case res.Outcome.Failed():
		logger.Warn("job finished", append(attrs, "failed_step", res.FailedStep)...)
	case res.Outcome == OutcomeSkipped && len(res.Steps) > 0:
		logger.Warn("job not started", "job", res.Name, "reason", res.Steps[0].Reason)
	default:
		logger.Info("job finished", attrs...)
	}
}

// runObserver persists what every executed step did: its output to the
// log storage and a signed block to the ledger. Persistence trouble is
// logged and never fails the step.
type runObserver struct {
	runner   *Runner
	runID    string
	pipeline string
}

func (o *runObserver) StepFinished(ctx context.Context, job string, seq int, res StepResult) {
	r := o.runner
	logger := logging.FromContext(ctx).With("step", res.Name)

	r.Metrics.StepFinished(o.pipeline, res.Name, string(res.Outcome), res.Executed(), res.Duration)
	if res.CacheKey != "" && r.Executor.Cache != nil {
		r.Metrics.CacheLookup(o.pipeline, res.CacheHit)
	}
	if !res.Executed() {
		return
	}

	logHash := utils.HashString(res.Output)
	if r.LogStorage != nil {
		path, err := r.LogStorage.SaveLog(o.runID, job, seq+1, res.Name, res.Output)
		if err != nil {
			logger.Warn("cannot save step log", "error", err)
		} else if h, err := utils.HashFile(path); err != nil {
			logger.Warn("cannot hash step log", "path", path, "error", err)
		} else {
			logHash = h
			logger.Debug("step log saved", "path", path)
		}
	}

	if r.Ledger == nil {
		return
	}
	agent := res.Agent
	if agent == "" {
		agent = r.AgentID
	}
	blk, err := r.Ledger.Append(blockchain.Record{
		RunID:   o.runID,
		Job:     job,
		Step:    res.Name,
		Outcome: string(res.Outcome),
		LogHash: logHash,
		AgentID: agent,
	}, r.Keys)
	if err != nil {
		logger.Warn("cannot append ledger block", "error", err)
		return
	}
	logger.Debug("ledger block appended", "index", blk.Index, "hash", blk.Hash[:16])
}
