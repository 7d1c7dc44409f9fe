package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/dotci/pkg/artifacts"
	"github.com/opnlabs/dotci/pkg/models"
)

// JobRunner runs one matrix job: the validation steps in order, then the
// upload of the job's coverage file.
type JobRunner struct {
	Steps        []Step
	CoverageFile string
	Artifacts    artifacts.Store
	NewExecutor  ExecutorFactory
	// Timeout is the job's time budget. Zero means no budget.
	Timeout time.Duration
	Logger  *log.Logger
}

// Run executes job and returns it in a terminal state. Failures are
// recorded on the job, never returned, so a failing job cannot affect its
// siblings.
func (r *JobRunner) Run(ctx context.Context, job models.Job) models.Job {
	job.Status = models.JobRunning
	job.Started = time.Now()

	logger := r.logger().With("job", job.Key())

	jobCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	fail := func(cause models.Cause, err error) models.Job {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			cause = models.CauseTimeout
		}
		job.Status = models.JobFailed
		job.Finished = time.Now()
		job.Failure = &models.JobFailure{Job: job.Key(), Cause: cause, Err: err}
		logger.Error("job failed", "cause", cause, "err", err)
		return job
	}

	executor, err := r.NewExecutor(job)
	if err != nil {
		return fail(models.CauseSetup, err)
	}
	defer executor.Close()

	if err := executor.Prepare(jobCtx); err != nil {
		return fail(models.CauseSetup, err)
	}

	for _, step := range r.Steps {
		logger.Info("running step", "step", step.Name)
		if err := executor.Exec(jobCtx, step); err != nil {
			return fail(step.Cause, err)
		}
	}

	f, err := executor.Open(r.CoverageFile)
	if err != nil {
		return fail(models.CauseCollect, fmt.Errorf("unable to open coverage file %s: %v", r.CoverageFile, err))
	}
	defer f.Close()

	artifact, err := r.Artifacts.Put(jobCtx, job.CoverageKey(), f)
	if err != nil {
		return fail(models.CauseUpload, err)
	}

	job.Artifact = &artifact
	job.Status = models.JobSucceeded
	job.Finished = time.Now()
	logger.Info("job succeeded", "artifact", artifact.Key, "size", artifact.Size)
	return job
}

func (r *JobRunner) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}
