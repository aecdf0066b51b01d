package core

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"matrixci/internal/logging"
)

// JobFunc runs one job to completion.
type JobFunc func(ctx context.Context, job JobContext) JobResult

// Scheduler decides which jobs start and how many run at once.
type Scheduler struct {
	Concurrency int // <= 0 means one worker per job
}

// NewScheduler creates a new scheduler
func NewScheduler(concurrency int) *Scheduler {
	return &Scheduler{Concurrency: concurrency}
}

// Run executes every job and returns their results in enumeration order.
//
// With failFast, the first job whose outcome is not Success stops new jobs
// from starting: they are reported as Skipped while jobs already running
// finish normally. A cancelled ctx likewise stops new jobs. Without
// failFast every job runs regardless of the others.
func (s *Scheduler) Run(ctx context.Context, p *Pipeline, jobs []JobContext, failFast bool, run JobFunc) []JobResult {
	logger := logging.FromContext(ctx)
	results := make([]JobResult, len(jobs))

	var stopped atomic.Bool
	g := new(errgroup.Group)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}

	for i, job := range jobs {
		if reason, halt := s.halted(ctx, failFast, &stopped); halt {
			results[i] = skippedJob(p, job, reason)
			continue
		}
		i, job := i, job
		g.Go(func() error {
			// re-check: a slot may have been freed by the failing job itself
			if reason, halt := s.halted(ctx, failFast, &stopped); halt {
				results[i] = skippedJob(p, job, reason)
				return nil
			}
			res := run(ctx, job)
			if failFast && res.Outcome != OutcomeSuccess {
				if stopped.CompareAndSwap(false, true) {
					logger.Warn("fail-fast: no further jobs will start", "job", res.Name, "outcome", res.Outcome)
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) halted(ctx context.Context, failFast bool, stopped *atomic.Bool) (string, bool) {
	if failFast && stopped.Load() {
		return reasonFailFast, true
	}
	if ctx.Err() != nil {
		return reasonCancelled, true
	}
	return "", false
}
