package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Report is the aggregate result of one run. Jobs are in enumeration
// order.
type Report struct {
	RunID     string        `json:"run_id"`
	Pipeline  string        `json:"pipeline"`
	FailFast  bool          `json:"fail_fast"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Jobs      []JobResult   `json:"jobs"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Success reports whether every job that ran succeeded. Skipped jobs do
// not count either way; a fail-fast run that skipped jobs already holds
// the failure that caused it. A cancelled run never succeeds.
func (r *Report) Success() bool {
	if r.Cancelled {
		return false
	}
	for _, j := range r.Jobs {
		if j.Outcome != OutcomeSuccess && j.Outcome != OutcomeSkipped {
			return false
		}
	}
	return true
}

// Counts tallies jobs per outcome.
func (r *Report) Counts() map[Outcome]int {
	out := make(map[Outcome]int, 4)
	for _, j := range r.Jobs {
		out[j.Outcome]++
	}
	return out
}

// Failed returns the jobs that failed or timed out.
func (r *Report) Failed() []JobResult {
	var out []JobResult
	for _, j := range r.Jobs {
		if j.Outcome.Failed() {
			out = append(out, j)
		}
	}
	return out
}

// WriteText renders a table of jobs followed by a summary line.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tOUTCOME\tDURATION\tDETAIL")
	for _, j := range r.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, j.Outcome, formatDuration(j.Duration), jobDetail(j))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	c := r.Counts()
	parts := make([]string, 0, 4)
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeTimedOut, OutcomeSkipped} {
		if c[o] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c[o], o))
		}
	}
	status := "PASSED"
	switch {
	case r.Cancelled:
		status = "CANCELLED"
	case !r.Success():
		status = "FAILED"
	}
	_, err := fmt.Fprintf(w, "\n%s: %d jobs (%s) in %s\n", status, len(r.Jobs), strings.Join(parts, ", "), formatDuration(r.Duration))
	return err
}

func jobDetail(j JobResult) string {
	switch {
	case j.Outcome.Failed():
		for _, s := range j.Steps {
			if s.Name != j.FailedStep {
				continue
			}
			if s.Error != "" {
				return fmt.Sprintf("step %q: %s", j.FailedStep, s.Error)
			}
			if s.Reason != "" {
				return fmt.Sprintf("step %q: %s", j.FailedStep, s.Reason)
			}
		}
		return fmt.Sprintf("step %q", j.FailedStep)
	case j.Outcome == OutcomeSkipped && len(j.Steps) > 0:
		return j.Steps[0].Reason
	}
	ran := 0
	for _, s := range j.Steps {
		if s.Executed() {
			ran++
		}
	}
	return fmt.Sprintf("%d/%d steps", ran, len(j.Steps))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
