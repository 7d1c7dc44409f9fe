package dotci

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/dotci/pkg/artifacts"
	"github.com/opnlabs/dotci/pkg/coverage"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/pipeline"
	"github.com/opnlabs/dotci/pkg/publish"
	"github.com/opnlabs/dotci/pkg/release"
	"github.com/opnlabs/dotci/pkg/runner"
	"github.com/opnlabs/dotci/pkg/utils"
	"gopkg.in/yaml.v3"
)

// loadPipelineFile reads, expands and validates the pipeline file at path.
func loadPipelineFile(path string) (models.PipelineFile, error) {
	var file models.PipelineFile
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return file, err
	}
	if err := yaml.Unmarshal(expandEnv(contents), &file); err != nil {
		return file, fmt.Errorf("unable to parse %s: %v", path, err)
	}
	if err := validate.Struct(file); err != nil {
		return file, fmt.Errorf("invalid pipeline file %s:\n%+v", path, err)
	}
	if _, err := file.JobTimeout(); err != nil {
		return file, err
	}
	if _, err := runner.NewMatrix(file.Matrix).Expand(); err != nil {
		return file, err
	}
	return file, nil
}

var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the value of the environment variable
// NAME. Bare $NAME is left alone for the job's shell.
func expandEnv(contents []byte) []byte {
	return envReference.ReplaceAllFunc(contents, func(ref []byte) []byte {
		name := envReference.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// parseVariables turns KEY=VALUE flags into environment entries.
func parseVariables(vars []string) ([]string, error) {
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		key, _, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("variables should be defined as KEY=VALUE: %s", v)
		}
		env = append(env, v)
	}
	return env, nil
}

// fileEnv flattens the variables of the pipeline file, sorted by key
// within each entry.
func fileEnv(vars []models.Variable) []string {
	env := make([]string, 0, len(vars))
	for _, m := range vars {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%v", k, m[k]))
		}
	}
	return env
}

type runOptions struct {
	RunID             string
	Event             models.Event
	Branch            string
	Env               []string
	MountDockerSocket bool
	Username          string
	Password          string
	Stdout            io.Writer
	Stderr            io.Writer
}

// executorFactory returns the executor constructor for the runner kind of
// file. Every job gets its own workspace and its own output prefix.
func executorFactory(file models.PipelineFile, opts runOptions) runner.ExecutorFactory {
	base := append(fileEnv(file.Variables), opts.Env...)
	return func(job models.Job) (runner.Executor, error) {
		env := append([]string{
			"DOTCI_PLATFORM=" + job.Platform,
			"DOTCI_VERSION=" + job.Version,
		}, base...)
		logs := runner.LogOptions{
			ShowImagePull: true,
			Stdout:        utils.NewColorLogger(job.Key(), opts.Stdout, true),
			Stderr:        utils.NewColorLogger(job.Key(), opts.Stderr, false),
		}
		if file.Runner == "shell" {
			return runner.NewShellRunner(job.Key(), logs).
				WithSrc(file.Src).
				WithEnv(env), nil
		}
		return runner.NewDockerRunner(job.Key(), runner.DockerRunnerOptions{
			LogOptions:        logs,
			MountDockerSocket: opts.MountDockerSocket,
		}).
			WithImage(runner.Interpolate(file.Image, job)).
			WithSrc(file.Src).
			WithEnv(env).
			WithCredentials(opts.Username, opts.Password), nil
	}
}

func newReporter(spec models.CoverageSpec) coverage.Reporter {
	if spec.Endpoint == "" {
		return coverage.FileReporter{Path: filepath.Join(runner.BUILD_DIR, "coverage.xml")}
	}
	return coverage.NewHTTPReporter(spec.Endpoint, spec.Token)
}

// newOrchestrator wires the stages of file. The release gate is only
// opened when the run is allowed to release.
func newOrchestrator(ctx context.Context, file models.PipelineFile, opts runOptions, logger *log.Logger) (*pipeline.Orchestrator, error) {
	timeout, err := file.JobTimeout()
	if err != nil {
		return nil, err
	}
	// Object store keys outlive the run, so they are scoped by run ID.
	storage := file.Artifacts
	if storage.Kind == "minio" && opts.RunID != "" {
		storage.Path = path.Join(storage.Path, opts.RunID)
	}
	store, err := artifacts.Open(ctx, storage)
	if err != nil {
		return nil, err
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	o := &pipeline.Orchestrator{
		Matrix: runner.NewMatrix(file.Matrix),
		Jobs: &runner.JobRunner{
			Steps:        runner.StepsFor(file.Steps),
			CoverageFile: file.Coverage.File,
			Artifacts:    store,
			NewExecutor:  executorFactory(file, opts),
			Timeout:      timeout,
			Logger:       logger,
		},
		Coverage: &coverage.Aggregator{
			Store:    store,
			Reporter: newReporter(file.Coverage),
			Logger:   logger,
		},
		Trunk:         file.TrunkBranch(),
		Parallelism:   file.Parallelism,
		CoverageFlags: file.Coverage.Flags,
		Environment:   file.Publish.Environment,
		Dist:          file.Publish.Dist,
		Logger:        logger,
	}

	if opts.Event != models.EventPush || opts.Branch != o.Trunk {
		return o, nil
	}
	repo := file.Release.Repository
	if repo == "" {
		repo = sourceDir(file)
	}
	gate, err := release.OpenGitGate(repo, file.Release, logger)
	if err != nil {
		return nil, err
	}
	o.Gate = gate
	if p := publish.New(file.Publish, file.Name, logger); p != nil {
		o.Publisher = p
		o.Tokens = publish.NewTokenSource(file.Publish)
	}
	return o, nil
}

func sourceDir(file models.PipelineFile) string {
	if file.Src == "" {
		return "."
	}
	return file.Src
}
