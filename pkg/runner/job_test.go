package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opnlabs/dotci/pkg/artifacts"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu         sync.Mutex
	ran        []string
	failStep   string
	prepareErr error
	block      bool
	coverage   string
	closed     bool
}

func (f *fakeExecutor) Prepare(ctx context.Context) error { return f.prepareErr }

func (f *fakeExecutor) Exec(ctx context.Context, step Step) error {
	f.mu.Lock()
	f.ran = append(f.ran, step.Name)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if step.Name == f.failStep {
		return &ExitError{Step: step.Name, Code: 1}
	}
	return nil
}

func (f *fakeExecutor) Open(path string) (io.ReadCloser, error) {
	if f.coverage == "" {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(strings.NewReader(f.coverage)), nil
}

func (f *fakeExecutor) Close() error {
	f.closed = true
	return nil
}

var allSteps = StepsFor(models.Steps{
	Setup:     []string{"python -m venv .venv"},
	Install:   []string{"pip install ."},
	Format:    []string{"ruff format --check"},
	Test:      []string{"pytest --cov"},
	Typecheck: []string{"pyright"},
})

func newJobRunner(store artifacts.Store, exec *fakeExecutor) *JobRunner {
	return &JobRunner{
		Steps:        allSteps,
		CoverageFile: "coverage.xml",
		Artifacts:    store,
		NewExecutor:  func(models.Job) (Executor, error) { return exec, nil },
	}
}

func TestJobRunsStepsInOrderAndUploads(t *testing.T) {
	store := artifacts.NewMemoryStore()
	exec := &fakeExecutor{coverage: "<coverage/>"}
	job := newJobRunner(store, exec).Run(context.Background(), models.Job{Platform: "ubuntu", Version: "3.9"})

	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Nil(t, job.Failure)
	assert.Equal(t, []string{"setup", "install", "format", "test", "typecheck"}, exec.ran)
	assert.True(t, exec.closed)
	require.NotNil(t, job.Artifact)
	assert.Equal(t, "coverage.ubuntu.3.9", job.Artifact.Key)

	keys, err := store.List(context.Background(), models.CoverageKeyPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"coverage.ubuntu.3.9"}, keys)
}

func TestJobFailureCausesAreDistinct(t *testing.T) {
	tests := []struct {
		failStep string
		cause    models.Cause
		ran      int
	}{
		{"install", models.CauseInstall, 2},
		{"format", models.CauseLint, 3},
		{"test", models.CauseTest, 4},
		{"typecheck", models.CauseTypecheck, 5},
	}

	for _, test := range tests {
		t.Run(test.failStep, func(t *testing.T) {
			store := artifacts.NewMemoryStore()
			exec := &fakeExecutor{failStep: test.failStep, coverage: "<coverage/>"}
			job := newJobRunner(store, exec).Run(context.Background(), models.Job{Platform: "ubuntu", Version: "3.10"})

			assert.Equal(t, models.JobFailed, job.Status)
			require.NotNil(t, job.Failure)
			assert.Equal(t, test.cause, job.Failure.Cause)
			assert.Len(t, exec.ran, test.ran, "steps after the failing one must be skipped")

			keys, _ := store.List(context.Background(), models.CoverageKeyPattern)
			assert.Empty(t, keys, "failed jobs upload nothing")
		})
	}
}

func TestJobSetupAndCollectFailures(t *testing.T) {
	store := artifacts.NewMemoryStore()

	job := newJobRunner(store, &fakeExecutor{prepareErr: errors.New("pull failed")}).
		Run(context.Background(), models.Job{Platform: "ubuntu", Version: "3.9"})
	require.NotNil(t, job.Failure)
	assert.Equal(t, models.CauseSetup, job.Failure.Cause)

	job = newJobRunner(store, &fakeExecutor{}).
		Run(context.Background(), models.Job{Platform: "ubuntu", Version: "3.9"})
	require.NotNil(t, job.Failure)
	assert.Equal(t, models.CauseCollect, job.Failure.Cause)
}

func TestJobUploadCollision(t *testing.T) {
	store := artifacts.NewMemoryStore()
	_, err := store.Put(context.Background(), "coverage.ubuntu.3.9", strings.NewReader("stale"))
	require.NoError(t, err)

	job := newJobRunner(store, &fakeExecutor{coverage: "<coverage/>"}).
		Run(context.Background(), models.Job{Platform: "ubuntu", Version: "3.9"})
	require.NotNil(t, job.Failure)
	assert.Equal(t, models.CauseUpload, job.Failure.Cause)
	assert.ErrorIs(t, job.Failure, artifacts.ErrExists)
}

func TestJobTimeout(t *testing.T) {
	r := newJobRunner(artifacts.NewMemoryStore(), &fakeExecutor{block: true})
	r.Timeout = 20 * time.Millisecond

	job := r.Run(context.Background(), models.Job{Platform: "ubuntu", Version: "3.9"})
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.Failure)
	assert.Equal(t, models.CauseTimeout, job.Failure.Cause)
	assert.True(t, job.Status.Terminal())
}
