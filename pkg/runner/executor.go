package runner

import (
	"context"
	"fmt"
	"io"

	"github.com/opnlabs/dotci/pkg/models"
)

// Step is one validation step of a job.
type Step struct {
	Name   string
	Cause  models.Cause
	Script []string
}

// StepsFor returns the non-empty steps of spec in execution order.
func StepsFor(spec models.Steps) []Step {
	all := []Step{
		{Name: "setup", Cause: models.CauseSetup, Script: spec.Setup},
		{Name: "install", Cause: models.CauseInstall, Script: spec.Install},
		{Name: "format", Cause: models.CauseLint, Script: spec.Format},
		{Name: "test", Cause: models.CauseTest, Script: spec.Test},
		{Name: "typecheck", Cause: models.CauseTypecheck, Script: spec.Typecheck},
	}
	steps := make([]Step, 0, len(all))
	for _, s := range all {
		if len(s.Script) > 0 {
			steps = append(steps, s)
		}
	}
	return steps
}

// Executor runs the steps of a single job inside an environment that is not
// shared with any other job.
type Executor interface {
	// Prepare creates the job environment.
	Prepare(ctx context.Context) error
	// Exec runs one step. A non-zero exit is reported as an error.
	Exec(ctx context.Context, step Step) error
	// Open opens a file produced inside the job workspace.
	Open(path string) (io.ReadCloser, error)
	// Close releases the environment.
	Close() error
}

// ExecutorFactory builds the executor for a job.
type ExecutorFactory func(job models.Job) (Executor, error)

// ExitError is returned by executors when a step script exits non-zero.
type ExitError struct {
	Step string
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("step %s exited with status %d", e.Step, e.Code)
}
