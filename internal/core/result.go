package core

import "time"

// Outcome is the terminal state of a step or a job.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeSkipped  Outcome = "skipped"
)

// Failed reports whether the outcome stops the job. TimedOut propagates
// exactly like Failure.
func (o Outcome) Failed() bool {
	return o == OutcomeFailure || o == OutcomeTimedOut
}

// StepResult records what happened to one step of one job.
type StepResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	ExitCode int           `json:"exit_code,omitempty"`
	Output   string        `json:"-"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"` // why a step was skipped
	CacheKey string        `json:"cache_key,omitempty"`
	CacheHit bool          `json:"cache_hit,omitempty"`
	Agent    string        `json:"agent,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Executed reports whether the step did any work.
func (s StepResult) Executed() bool { return s.Outcome != OutcomeSkipped }

// JobResult is the outcome of one JobContext. It is not modified after the
// job completes.
type JobResult struct {
	Name       string        `json:"name"`
	Job        JobContext    `json:"matrix"`
	Outcome    Outcome       `json:"outcome"`
	FailedStep string        `json:"failed_step,omitempty"`
	Steps      []StepResult  `json:"steps"`
	Duration   time.Duration `json:"duration_ns"`
}

// Skip reasons.
const (
	reasonPredicate  = "condition not met"
	reasonPrevFailed = "previous step failed"
	reasonFailFast   = "fail-fast: another job failed"
	reasonCancelled  = "run cancelled"
)

// skippedJob builds the result of a job that never started.
func skippedJob(p *Pipeline, job JobContext, reason string) JobResult {
	steps := make([]StepResult, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StepResult{Name: s.Name, Outcome: OutcomeSkipped, Reason: reason}
	}
	return JobResult{Name: job.Name(p.Name), Job: job, Outcome: OutcomeSkipped, Steps: steps}
}
