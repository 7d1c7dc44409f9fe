// Package pipeline sequences the stages of a run: the validation matrix,
// coverage aggregation, and the gated release and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/dotci/pkg/coverage"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/publish"
	"github.com/opnlabs/dotci/pkg/release"
	"github.com/opnlabs/dotci/pkg/runner"
	"github.com/opnlabs/dotci/pkg/store"
	"golang.org/x/sync/errgroup"
)

var ErrRunFinished = errors.New("pipeline run has already finished")

// JobRunner runs a single matrix job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job models.Job) models.Job
}

// CoverageStage merges and reports the coverage of a finished matrix.
type CoverageStage interface {
	Aggregate(ctx context.Context, expected []string) (*coverage.Report, error)
	Submit(ctx context.Context, upload coverage.Upload) error
}

type Orchestrator struct {
	Matrix   runner.Matrix
	Jobs     JobRunner
	Coverage CoverageStage
	Gate     release.Gate
	// Publisher may be nil, in which case a release only creates the tag.
	Publisher publish.Publisher
	Tokens    publish.TokenSource
	// Dist is the directory holding the built distribution.
	Dist          string
	Environment   string
	Trunk         string
	Parallelism   int
	CoverageFlags []string
	Logger        *log.Logger
	Now           func() time.Time

	consumed store.Store
}

// Result is the outcome of a run.
type Result struct {
	RunID  string
	Status models.RunStatus
	// Err is the typed failure behind a failed status.
	Err       error
	Jobs      []models.Job
	Coverage  *coverage.Report
	Decision  *models.ReleaseDecision
	Published bool
}

// ExitCode maps the run status to the process exit status.
func (r *Result) ExitCode() int {
	switch r.Status {
	case models.RunSucceeded:
		return 0
	case models.RunValidationFailed:
		return 1
	case models.RunCoverageFailed:
		return 2
	case models.RunReleaseFailed:
		return 3
	}
	return 4
}

// Run executes run to completion. Stage failures are reported through the
// result's status and Err; the returned error is reserved for runs that
// could not be started.
func (o *Orchestrator) Run(ctx context.Context, run *models.PipelineRun) (*Result, error) {
	switch run.Status {
	case "", models.RunPending:
	default:
		return nil, fmt.Errorf("%s: %w", run.ID, ErrRunFinished)
	}

	jobs, err := o.Matrix.Expand()
	if err != nil {
		return nil, err
	}
	expected := make([]string, len(jobs))
	for i, j := range jobs {
		expected[i] = j.CoverageKey()
	}

	logger := o.logger().With("run", run.ID)
	run.Status = models.RunRunning
	run.Jobs = jobs
	result := &Result{RunID: run.ID}
	finish := func(status models.RunStatus, err error) (*Result, error) {
		run.Status = status
		result.Status = status
		result.Err = err
		result.Jobs = run.Jobs
		if err != nil {
			logger.Error("run failed", "status", status, "err", err)
		} else {
			logger.Info("run finished", "status", status, "published", result.Published)
		}
		return result, nil
	}

	logger.Info("starting matrix", "jobs", len(jobs), "event", run.Event, "branch", run.Branch)
	done, err := o.validate(ctx, jobs)
	if err != nil {
		return nil, err
	}
	run.Jobs = done
	if failed := failures(done); len(failed) > 0 {
		return finish(models.RunValidationFailed, errors.Join(failed...))
	}

	report, err := o.Coverage.Aggregate(ctx, expected)
	if err != nil {
		return finish(models.RunCoverageFailed, err)
	}
	result.Coverage = report
	err = o.Coverage.Submit(ctx, coverage.Upload{
		Report:    report,
		CommitSHA: run.CommitSHA,
		Branch:    run.Branch,
		BuildID:   run.ID,
		Flags:     o.CoverageFlags,
	})
	if err != nil {
		return finish(models.RunCoverageFailed, err)
	}

	if !o.releases(run) {
		logger.Info("release stage skipped", "event", run.Event, "branch", run.Branch)
		return finish(models.RunSucceeded, nil)
	}
	if err := o.release(ctx, run, result); err != nil {
		return finish(models.RunReleaseFailed, err)
	}
	return finish(models.RunSucceeded, nil)
}

// validate runs every job and waits for all of them. Job goroutines never
// return an error, so one failing job does not cancel its siblings.
func (o *Orchestrator) validate(ctx context.Context, jobs []models.Job) ([]models.Job, error) {
	results := make([]models.Job, len(jobs))
	var g errgroup.Group
	if o.Parallelism > 0 {
		g.SetLimit(o.Parallelism)
	}
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = o.Jobs.Run(ctx, job)
			return nil
		})
	}
	g.Wait()

	for _, job := range results {
		if !job.Status.Terminal() {
			return nil, fmt.Errorf("job %s did not reach a terminal state: %s", job.Key(), job.Status)
		}
	}
	return results, nil
}

func failures(jobs []models.Job) []error {
	var errs []error
	for _, job := range jobs {
		if job.Status != models.JobFailed {
			continue
		}
		if job.Failure != nil {
			errs = append(errs, job.Failure)
		} else {
			errs = append(errs, &models.JobFailure{Job: job.Key(), Err: errors.New("failed without a cause")})
		}
	}
	return errs
}

// releases reports whether run is allowed to enter the release stage.
func (o *Orchestrator) releases(run *models.PipelineRun) bool {
	trunk := o.Trunk
	if trunk == "" {
		trunk = "main"
	}
	return run.Event == models.EventPush && run.Branch == trunk
}

func (o *Orchestrator) release(ctx context.Context, run *models.PipelineRun, result *Result) error {
	if o.Gate == nil {
		return &models.ReleaseFailure{Phase: models.PhaseCompute, Err: errors.New("no release gate configured")}
	}
	decision, err := o.Gate.Decide(ctx, run.CommitSHA)
	if err != nil {
		return releaseFailure(models.PhaseCompute, err)
	}
	if err := release.ValidateDecision(decision); err != nil {
		return &models.ReleaseFailure{Phase: models.PhaseCompute, Err: err}
	}
	result.Decision = &decision
	if !decision.Released {
		o.logger().Info("no release warranted", "commit", run.CommitSHA, "version", decision.PreviousVersion)
		return nil
	}

	if o.Publisher == nil {
		if err := o.Gate.Tag(ctx, decision); err != nil {
			return releaseFailure(models.PhaseTag, err)
		}
		return nil
	}

	// The tag is written only once the upload can be attempted. A tagged
	// commit is never eligible again.
	dist, err := publish.FindDist(o.Dist)
	if err != nil {
		return &models.PublishFailure{Phase: models.PhaseUpload, Err: err}
	}
	cred, err := o.authorize(ctx, run, decision)
	if err != nil {
		return err
	}

	if err := o.Gate.Tag(ctx, decision); err != nil {
		return releaseFailure(models.PhaseTag, err)
	}
	if err := o.Publisher.Publish(ctx, decision, dist, cred); err != nil {
		return publishFailure(models.PhaseUpload, err)
	}
	result.Published = true
	return nil
}

// authorize mints the run's credential and claims the run's single
// publish.
func (o *Orchestrator) authorize(ctx context.Context, run *models.PipelineRun, decision models.ReleaseDecision) (publish.Credential, error) {
	if o.Tokens == nil {
		return publish.Credential{}, &models.PublishFailure{Phase: models.PhaseAuth, Err: errors.New("no token source configured")}
	}
	cred, err := o.Tokens.Token(ctx, run.ID, o.Environment)
	if err != nil {
		return publish.Credential{}, publishFailure(models.PhaseAuth, err)
	}
	if err := cred.Check(run.ID, o.Environment, o.now()); err != nil {
		return publish.Credential{}, &models.PublishFailure{Phase: models.PhaseAuth, Err: err}
	}

	// A decision is handed to the publisher at most once per run.
	if err := o.consumedStore().Set(run.ID, decision); errors.Is(err, store.ErrKeyExists) {
		return publish.Credential{}, &models.PublishFailure{Phase: models.PhaseUpload,
			Err: fmt.Errorf("release %s of run %s was already published", decision.Version, run.ID)}
	}
	return cred, nil
}

// releaseFailure keeps a typed failure from the gate and wraps anything
// else under phase.
func releaseFailure(phase string, err error) error {
	var failure *models.ReleaseFailure
	if errors.As(err, &failure) {
		return err
	}
	return &models.ReleaseFailure{Phase: phase, Err: err}
}

func publishFailure(phase string, err error) error {
	var failure *models.PublishFailure
	if errors.As(err, &failure) {
		return err
	}
	return &models.PublishFailure{Phase: phase, Err: err}
}

func (o *Orchestrator) consumedStore() store.Store {
	if o.consumed == nil {
		o.consumed = store.NewMemStore()
	}
	return o.consumed
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}
