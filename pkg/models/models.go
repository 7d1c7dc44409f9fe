package models

import (
	"fmt"
	"strings"
	"time"
)

type Variable map[string]any

// PipelineFile is the parsed form of dotci.yml.
type PipelineFile struct {
	Name        string          `yaml:"name" validate:"required"`
	Trunk       string          `yaml:"trunk"`
	Image       string          `yaml:"image" validate:"required_unless=Runner shell"`
	Runner      string          `yaml:"runner" validate:"omitempty,oneof=docker shell"`
	Src         string          `yaml:"src"`
	Matrix      MatrixSpec      `yaml:"matrix" validate:"required"`
	Timeout     string          `yaml:"timeout"`
	Parallelism int             `yaml:"parallelism" validate:"gte=0"`
	Variables   []Variable      `yaml:"variables"`
	Steps       Steps           `yaml:"steps" validate:"required"`
	Coverage    CoverageSpec    `yaml:"coverage" validate:"required"`
	Release     ReleaseSpec     `yaml:"release"`
	Publish     PublishSpec     `yaml:"publish"`
	Artifacts   ArtifactStorage `yaml:"artifacts"`
}

type MatrixSpec struct {
	Platforms []string `yaml:"platforms" validate:"required,min=1,dive,required"`
	Versions  []string `yaml:"versions" validate:"required,min=1,dive,required"`
}

// Steps holds the scripts of every validation step of a job. They run in
// the order setup, install, format, test, typecheck.
type Steps struct {
	Setup     []string `yaml:"setup"`
	Install   []string `yaml:"install"`
	Format    []string `yaml:"format"`
	Test      []string `yaml:"test" validate:"required,min=1"`
	Typecheck []string `yaml:"typecheck"`
}

type CoverageSpec struct {
	File     string   `yaml:"file" validate:"required"`
	Endpoint string   `yaml:"endpoint" validate:"omitempty,url"`
	Token    string   `yaml:"token"`
	Flags    []string `yaml:"flags"`
}

type ReleaseSpec struct {
	Repository     string `yaml:"repository"`
	TagPrefix      string `yaml:"tag_prefix"`
	InitialVersion string `yaml:"initial_version" validate:"omitempty,semver"`
	// Remote, when set, receives every release tag.
	Remote    string `yaml:"remote"`
	PushToken string `yaml:"push_token"`
}

type PublishSpec struct {
	Kind          string `yaml:"kind" validate:"omitempty,oneof=oci index"`
	Repository    string `yaml:"repository" validate:"required_with=Kind"`
	Package       string `yaml:"package"`
	Dist          string `yaml:"dist"`
	Environment   string `yaml:"environment"`
	TokenEndpoint string `yaml:"token_endpoint" validate:"omitempty,url"`
	PlainHTTP     bool   `yaml:"plain_http"`
}

type ArtifactStorage struct {
	Kind      string `yaml:"kind" validate:"omitempty,oneof=memory local minio"`
	Path      string `yaml:"path"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Kind minio"`
	Bucket    string `yaml:"bucket" validate:"required_if=Kind minio"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// JobTimeout returns the per-job time budget, one hour when unset.
func (p PipelineFile) JobTimeout() (time.Duration, error) {
	if p.Timeout == "" {
		return time.Hour, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %v", p.Timeout, err)
	}
	return d, nil
}

// TrunkBranch returns the branch that releases are cut from.
func (p PipelineFile) TrunkBranch() string {
	if p.Trunk == "" {
		return "main"
	}
	return p.Trunk
}

type Event string

const (
	EventPush        Event = "push"
	EventPullRequest Event = "pull-request"
	EventRelease     Event = "release"
)

// ParseEvent accepts both the short event names and the long
// "<kind>-to-trunk" forms.
func ParseEvent(s string) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push", "push-to-trunk":
		return EventPush, nil
	case "pull-request", "pull_request", "pull-request-to-trunk":
		return EventPullRequest, nil
	case "release", "published-release":
		return EventRelease, nil
	}
	return "", fmt.Errorf("unknown event: %s", s)
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is one (platform, version) cell of the matrix.
type Job struct {
	Platform string
	Version  string
	Status   JobStatus
	Failure  *JobFailure
	Artifact *Artifact
	Started  time.Time
	Finished time.Time
}

// Key identifies the job inside a run.
func (j Job) Key() string {
	return j.Platform + "-" + j.Version
}

// CoverageKey is the artifact key the job's coverage is stored under.
func (j Job) CoverageKey() string {
	return CoverageKeyPrefix + j.Platform + "." + j.Version
}

const (
	CoverageKeyPrefix  = "coverage."
	CoverageKeyPattern = "coverage.*"
)

type ArtifactKind string

const ArtifactCoverage ArtifactKind = "coverage"

type Artifact struct {
	Key  string
	Kind ArtifactKind
	Size int64
}

type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunRunning          RunStatus = "running"
	RunSucceeded        RunStatus = "succeeded"
	RunValidationFailed RunStatus = "validation-failed"
	RunCoverageFailed   RunStatus = "coverage-failed"
	RunReleaseFailed    RunStatus = "release-failed"
)

// PipelineRun is one execution of the pipeline for a commit.
type PipelineRun struct {
	ID        string
	Event     Event
	Branch    string
	CommitSHA string
	Jobs      []Job
	Status    RunStatus
}

// ReleaseDecision is the release gate's verdict for a commit. It is a value
// and is never mutated after the gate returns it.
type ReleaseDecision struct {
	Released        bool
	Version         string
	PreviousVersion string
	Tag             string
	Changelog       string
	CommitSHA       string
}
