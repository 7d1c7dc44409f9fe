package runner

import (
	"testing"

	"github.com/opnlabs/dotci/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	m := Matrix{Platforms: []string{"ubuntu", "macos"}, Versions: []string{"3.9", "3.10", "3.11"}}
	jobs, err := m.Expand()
	require.NoError(t, err)
	require.Len(t, jobs, m.Size())

	keys := make(map[string]bool)
	for _, j := range jobs {
		assert.Equal(t, models.JobPending, j.Status)
		keys[j.CoverageKey()] = true
	}
	assert.Len(t, keys, 6, "coverage keys must be unique")
	assert.Equal(t, "ubuntu", jobs[0].Platform)
	assert.Equal(t, "3.9", jobs[0].Version)
	assert.Equal(t, "coverage.macos.3.11", jobs[5].CoverageKey())
}

func TestExpandRejectsDuplicates(t *testing.T) {
	_, err := Matrix{Platforms: []string{"ubuntu"}, Versions: []string{"3.9", "3.9"}}.Expand()
	require.ErrorIs(t, err, ErrDuplicateAxis)

	_, err = Matrix{Platforms: []string{"ubuntu", "ubuntu"}, Versions: []string{"3.9"}}.Expand()
	require.ErrorIs(t, err, ErrDuplicateAxis)

	_, err = Matrix{Platforms: []string{""}, Versions: []string{"3.9"}}.Expand()
	require.Error(t, err)
}

func TestCoverageKeys(t *testing.T) {
	keys, err := Matrix{Platforms: []string{"ubuntu-latest"}, Versions: []string{"3.9", "3.10"}}.CoverageKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"coverage.ubuntu-latest.3.9", "coverage.ubuntu-latest.3.10"}, keys)
}

func TestInterpolate(t *testing.T) {
	job := models.Job{Platform: "ubuntu", Version: "3.12"}
	assert.Equal(t, "python:3.12-slim", Interpolate("python:{{version}}-slim", job))
	assert.Equal(t, "ubuntu/3.12", Interpolate("{{platform}}/{{version}}", job))
}

func TestStepsForSkipsEmptySteps(t *testing.T) {
	steps := StepsFor(models.Steps{
		Install:   []string{"pip install ."},
		Test:      []string{"pytest"},
		Typecheck: []string{"pyright"},
	})
	require.Len(t, steps, 3)
	assert.Equal(t, models.CauseInstall, steps[0].Cause)
	assert.Equal(t, models.CauseTest, steps[1].Cause)
	assert.Equal(t, models.CauseTypecheck, steps[2].Cause)
}

func TestExpandRejectsKeyBreakingValues(t *testing.T) {
	for _, platform := range []string{"linux/amd64", "ubuntu-*", "mac?", "win[1]", `a\b`} {
		_, err := Matrix{Platforms: []string{platform}, Versions: []string{"3.9"}}.Expand()
		assert.ErrorIs(t, err, ErrInvalidAxis, platform)
	}
	_, err := Matrix{Platforms: []string{"linux"}, Versions: []string{"3.9/rc"}}.Expand()
	assert.ErrorIs(t, err, ErrInvalidAxis)
}
