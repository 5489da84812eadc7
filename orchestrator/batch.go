// ABOUTME: RunAll executes several independent sessions concurrently with a bounded worker count.
// ABOUTME: Each session is single-threaded internally; one session's failure does not cancel the others.
package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/2389-research/prowzi/pipeline"
)

// Job is one session to run in a batch.
type Job struct {
	Input   pipeline.Input
	Options RunOptions
}

// JobResult pairs a job's result with its error. Exactly one is set.
type JobResult struct {
	Result *Result
	Err    error
}

// RunAll runs jobs with at most limit in flight (limit <= 0 means one per
// job). Results are returned in job order. Cancelling ctx cancels every run.
func (o *Orchestrator) RunAll(ctx context.Context, jobs []Job, limit int) []JobResult {
	results := make([]JobResult, len(jobs))
	if limit <= 0 {
		limit = len(jobs)
	}

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, job := range jobs {
		g.Go(func() error {
			res, err := o.Run(ctx, job.Input, job.Options)
			results[i] = JobResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
