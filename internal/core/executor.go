package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"matrixci/internal/logging"
	"matrixci/pkg/utils"
)

// CacheStore is the cache storage collaborator. It is best-effort: the
// executor treats every error as a miss.
type CacheStore interface {
	Has(ctx context.Context, key string) (bool, error)
	Fetch(ctx context.Context, key string) (data []byte, found bool, err error)
	Store(ctx context.Context, key string, data []byte) error
}

// CoverageReport is handed to the coverage collaborator.
type CoverageReport struct {
	Job   string
	Path  string
	Token string
}

// CoverageUploader publishes coverage reports.
type CoverageUploader interface {
	Upload(ctx context.Context, report CoverageReport) error
}

// StepObserver is notified after every step of every job, skipped or not.
// seq is the step's position in the pipeline.
type StepObserver interface {
	StepFinished(ctx context.Context, job string, seq int, res StepResult)
}

// Executor runs the ordered steps of one job.
type Executor struct {
	Runner      CommandRunner
	Cache       CacheStore       // nil disables caching
	Coverage    CoverageUploader // nil makes coverage steps fail
	Fingerprint func(path string) (string, error)
	WorkDir     string
	Observer    StepObserver
}

// NewExecutor returns an executor using the local shell.
func NewExecutor() *Executor {
	return &Executor{
		Runner:      NewShellRunner(),
		Fingerprint: utils.HashPath,
	}
}

// pendingSave is a cache category restored as a miss, saved once the job
// has succeeded.
type pendingSave struct {
	category string
	key      string
	dir      string
}

// RunJob executes every step of the pipeline for one job. Steps run in
// declaration order; the first Failure or TimedOut stops the job and the
// remaining steps are recorded as skipped. Cache saves run only after all
// steps succeeded.
func (e *Executor) RunJob(ctx context.Context, p *Pipeline, job JobContext, base map[string]string) JobResult {
	name := job.Name(p.Name)
	logger := logging.FromContext(ctx).With("job", name)
	ctx = logging.WithLogger(ctx, logger)
	start := time.Now()

	result := JobResult{Name: name, Job: job, Outcome: OutcomeSuccess, Steps: make([]StepResult, 0, len(p.Steps))}

	env, err := ResolveEnv(base, p.Overlays, job)
	if err != nil {
		// unreachable for validated pipelines
		result.Outcome = OutcomeFailure
		result.FailedStep = p.Steps[0].Name
		for i, s := range p.Steps {
			sr := StepResult{Name: s.Name, Outcome: OutcomeSkipped, Reason: reasonPrevFailed}
			if i == 0 {
				sr = StepResult{Name: s.Name, Outcome: OutcomeFailure, Error: err.Error()}
			}
			result.Steps = append(result.Steps, sr)
		}
		result.Duration = time.Since(start)
		return result
	}

	var (
		saves       []pendingSave
		ran         bool
		cancelledAt string // first step the cancellation kept from running
	)
	for i, step := range p.Steps {
		var sr StepResult
		switch {
		case result.Outcome.Failed():
			sr = StepResult{Name: step.Name, Outcome: OutcomeSkipped, Reason: reasonPrevFailed}
		case ctx.Err() != nil:
			sr = StepResult{Name: step.Name, Outcome: OutcomeSkipped, Reason: reasonCancelled}
			if cancelledAt == "" {
				cancelledAt = step.Name
			}
		default:
			var save *pendingSave
			sr, save = e.runStep(ctx, p, step, job, env)
			if save != nil {
				saves = append(saves, *save)
			}
		}

		if sr.Executed() {
			ran = true
		}
		if sr.Outcome.Failed() {
			result.Outcome = sr.Outcome
			result.FailedStep = step.Name
		}
		result.Steps = append(result.Steps, sr)
		if e.Observer != nil {
			e.Observer.StepFinished(ctx, name, i, sr)
		}
	}

	// a job cut short by cancellation did not succeed
	if cancelledAt != "" && result.Outcome == OutcomeSuccess {
		if ran {
			result.Outcome = OutcomeFailure
			result.FailedStep = cancelledAt
		} else {
			result.Outcome = OutcomeSkipped
		}
	}

	if result.Outcome == OutcomeSuccess && ctx.Err() == nil {
		for _, s := range saves {
			e.saveCache(ctx, s)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// runStep evaluates the step's predicate and, when active, performs it.
func (e *Executor) runStep(ctx context.Context, p *Pipeline, step Step, job JobContext, env map[string]string) (StepResult, *pendingSave) {
	logger := logging.FromContext(ctx).With("step", step.Name)

	active, err := step.Active(job)
	if err != nil {
		return StepResult{Name: step.Name, Outcome: OutcomeFailure, Error: err.Error()}, nil
	}
	if !active {
		logger.Debug("step skipped", "if", step.If.String())
		return StepResult{Name: step.Name, Outcome: OutcomeSkipped, Reason: reasonPredicate}, nil
	}

	data := templateData{Matrix: job.Map(), Env: env, Job: job.Name(p.Name), OS: p.OS}
	args, err := resolveArgs(step, job, data)
	if err != nil {
		return StepResult{Name: step.Name, Outcome: OutcomeFailure, Error: err.Error()}, nil
	}
	data.Args = args

	logger.Info("step started")
	start := time.Now()
	var (
		sr   StepResult
		save *pendingSave
	)
	switch step.Uses {
	case UsesCache:
		sr, save = e.restoreCache(ctx, p, args["category"], job, env)
	case UsesCoverage:
		sr = e.uploadCoverage(ctx, step, data.Job, args, env)
	default:
		sr = e.runCommand(ctx, p, step, data)
	}
	sr.Name = step.Name
	sr.Duration = time.Since(start)

	if sr.Outcome.Failed() {
		logger.Error("step failed", "outcome", sr.Outcome, "exit_code", sr.ExitCode, "error", sr.Error, "duration", sr.Duration)
	} else {
		logger.Info("step completed", "duration", sr.Duration)
	}
	return sr, save
}

// resolveArgs selects and renders the structured arguments of a step.
func resolveArgs(step Step, job JobContext, data templateData) (map[string]string, error) {
	args := make(map[string]string, len(step.With))
	for k, rule := range step.With {
		v, err := rule.Select(job)
		if err != nil {
			return nil, err
		}
		if v, err = render(step.Name+"."+k, v, data); err != nil {
			return nil, err
		}
		args[k] = v
	}
	return args, nil
}

// runCommand renders the command line. Arguments are reachable as
// {{.Args.name}}; the "args" argument is also appended to the line unless
// the template already places it.
func (e *Executor) runCommand(ctx context.Context, p *Pipeline, step Step, data templateData) StepResult {
	line, err := render(step.Name, step.Run, data)
	if err != nil {
		return StepResult{Outcome: OutcomeFailure, Error: err.Error()}
	}
	if extra := strings.TrimSpace(data.Args[ArgExtra]); extra != "" && !strings.Contains(step.Run, ".Args."+ArgExtra) {
		line = strings.TrimRight(line, " \t") + " " + extra
	}
	if step.Cross {
		line = crossCommand(line, p.CrossTool)
	}

	timeout := time.Duration(step.Timeout)
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.Runner.Run(stepCtx, Command{Line: line, Env: data.Env, Dir: e.WorkDir, Timeout: timeout})
	sr := StepResult{ExitCode: res.ExitCode, Output: string(res.Output), Agent: res.Agent}
	switch {
	case errors.Is(err, ErrCommandTimeout) || errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		sr.Outcome = OutcomeTimedOut
		sr.Error = fmt.Sprintf("timed out after %s", timeout)
	case err != nil:
		sr.Outcome = OutcomeFailure
		sr.Error = err.Error()
	case res.ExitCode != 0:
		sr.Outcome = OutcomeFailure
		sr.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	default:
		sr.Outcome = OutcomeSuccess
	}
	return sr
}

// crossCommand swaps the tool of a command line for the cross wrapper:
// "cargo build" becomes "cross build".
func crossCommand(line, tool string) string {
	trimmed := strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		return tool + trimmed[i:]
	}
	return tool
}

func (e *Executor) uploadCoverage(ctx context.Context, step Step, job string, args, env map[string]string) StepResult {
	if e.Coverage == nil {
		return StepResult{Outcome: OutcomeFailure, Error: "no coverage uploader configured"}
	}
	if timeout := time.Duration(step.Timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	report := CoverageReport{Job: job, Path: e.resolvePath(args["path"], env), Token: args["token"]}
	if err := e.Coverage.Upload(ctx, report); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return StepResult{Outcome: OutcomeTimedOut, Error: err.Error()}
		}
		return StepResult{Outcome: OutcomeFailure, Error: err.Error()}
	}
	return StepResult{Outcome: OutcomeSuccess}
}

// resolvePath expands a leading "~/" from the job's HOME and anchors
// relative paths at the working directory.
func (e *Executor) resolvePath(path string, env map[string]string) string {
	if strings.HasPrefix(path, "~/") {
		if home := env["HOME"]; home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) || e.WorkDir == "" {
		return path
	}
	return filepath.Join(e.WorkDir, path)
}
