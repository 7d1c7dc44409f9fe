package models

import "fmt"

// Cause names the step of a job that failed.
type Cause string

const (
	CauseSetup     Cause = "setup"
	CauseInstall   Cause = "install"
	CauseLint      Cause = "lint"
	CauseTest      Cause = "test"
	CauseTypecheck Cause = "typecheck"
	CauseCollect   Cause = "collect"
	CauseUpload    Cause = "upload"
	CauseTimeout   Cause = "timeout"
)

// JobFailure is returned when a matrix job does not succeed.
type JobFailure struct {
	Job   string
	Cause Cause
	Err   error
}

func (e *JobFailure) Error() string {
	return fmt.Sprintf("job %s failed at %s: %v", e.Job, e.Cause, e.Err)
}

func (e *JobFailure) Unwrap() error { return e.Err }

const (
	PhaseMerge   = "merge"
	PhaseSubmit  = "submit"
	PhaseCompute = "compute"
	PhaseTag     = "tag"
	PhaseAuth    = "auth"
	PhaseUpload  = "upload"
)

// AggregationFailure is returned by the coverage stage. Phase is
// PhaseMerge or PhaseSubmit.
type AggregationFailure struct {
	Phase string
	Err   error
}

func (e *AggregationFailure) Error() string {
	return fmt.Sprintf("coverage %s failed: %v", e.Phase, e.Err)
}

func (e *AggregationFailure) Unwrap() error { return e.Err }

// ReleaseFailure is returned by the release gate. Phase is PhaseCompute or
// PhaseTag.
type ReleaseFailure struct {
	Phase string
	Err   error
}

func (e *ReleaseFailure) Error() string {
	return fmt.Sprintf("release %s failed: %v", e.Phase, e.Err)
}

func (e *ReleaseFailure) Unwrap() error { return e.Err }

// PublishFailure is returned by publishers. Phase is PhaseAuth or
// PhaseUpload.
type PublishFailure struct {
	Phase string
	Err   error
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish %s failed: %v", e.Phase, e.Err)
}

func (e *PublishFailure) Unwrap() error { return e.Err }
