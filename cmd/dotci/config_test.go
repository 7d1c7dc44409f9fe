package dotci

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/runner"
	"github.com/opnlabs/dotci/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dotci.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const shellPipeline = `
name: sample
runner: shell
src: %s
matrix:
  platforms: [linux]
  versions: ["a", "b"]
variables:
  - GREETING: hello
steps:
  install: ["true"]
  test: ['test "$GREETING" = hello', 'test -n "$DOTCI_VERSION"', "cp fixture.xml coverage.xml"]
coverage:
  file: coverage.xml
artifacts:
  kind: memory
`

func TestLoadExamplePipeline(t *testing.T) {
	file, err := loadPipelineFile("../../examples/dotci.yml")
	require.NoError(t, err)
	assert.Equal(t, "buildable", file.Name)
	assert.Equal(t, 5, runner.NewMatrix(file.Matrix).Size())
	assert.Equal(t, "main", file.TrunkBranch())
	assert.Len(t, runner.StepsFor(file.Steps), 5)
}

func TestLoadPipelineExpandsEnv(t *testing.T) {
	t.Setenv("TEST_COVERAGE_TOKEN", "s3cret")
	path := writeFile(t, `
name: sample
image: python:{{version}}
matrix: {platforms: [linux], versions: ["3.12"]}
steps: {test: [pytest]}
coverage: {file: coverage.xml, token: "${TEST_COVERAGE_TOKEN}"}
`)
	file, err := loadPipelineFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", file.Coverage.Token)
}

func TestLoadPipelineRejects(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"missing test step", `
name: x
image: alpine
matrix: {platforms: [linux], versions: ["1"]}
steps: {install: [make]}
coverage: {file: c.xml}
`},
		{"missing image", `
name: x
matrix: {platforms: [linux], versions: ["1"]}
steps: {test: [make]}
coverage: {file: c.xml}
`},
		{"unknown runner", `
name: x
runner: vm
image: alpine
matrix: {platforms: [linux], versions: ["1"]}
steps: {test: [make]}
coverage: {file: c.xml}
`},
		{"duplicate version", `
name: x
image: alpine
matrix: {platforms: [linux], versions: ["1", "1"]}
steps: {test: [make]}
coverage: {file: c.xml}
`},
		{"platform with slash", `
name: x
image: alpine
matrix: {platforms: [linux/amd64], versions: ["1"]}
steps: {test: [make]}
coverage: {file: c.xml}
`},
		{"bad timeout", `
name: x
image: alpine
timeout: forever
matrix: {platforms: [linux], versions: ["1"]}
steps: {test: [make]}
coverage: {file: c.xml}
`},
		{"minio without bucket", `
name: x
image: alpine
matrix: {platforms: [linux], versions: ["1"]}
steps: {test: [make]}
coverage: {file: c.xml}
artifacts: {kind: minio, endpoint: localhost:9000}
`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := loadPipelineFile(writeFile(t, test.contents))
			assert.Error(t, err)
		})
	}
}

func TestParseVariables(t *testing.T) {
	env, err := parseVariables([]string{"A=1", "B=x=y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=x=y"}, env)

	_, err = parseVariables([]string{"NOVALUE"})
	assert.Error(t, err)
	_, err = parseVariables([]string{"=1"})
	assert.Error(t, err)
}

func TestFileEnv(t *testing.T) {
	env := fileEnv([]models.Variable{{"B": 2, "A": "x"}, {"C": true}})
	assert.Equal(t, []string{"A=x", "B=2", "C=true"}, env)
}

func TestShellPipelineRun(t *testing.T) {
	src := t.TempDir()
	fixture := `<?xml version="1.0" ?>
<coverage><packages><package name="p"><classes>
<class name="m.py" filename="p/m.py"><lines><line number="1" hits="1"/></lines></class>
</classes></package></packages></coverage>`
	require.NoError(t, os.WriteFile(filepath.Join(src, "fixture.xml"), []byte(fixture), 0644))

	file, err := loadPipelineFile(writeFile(t, fmt.Sprintf(shellPipeline, src)))
	require.NoError(t, err)

	// Without a coverage endpoint the report is written below the working
	// directory.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	var out bytes.Buffer
	o, err := newOrchestrator(context.Background(), file, runOptions{
		Event:  models.EventPullRequest,
		Branch: "main",
		Stdout: io.Discard,
		Stderr: io.Discard,
	}, utils.NewLogger(&out, "error"))
	require.NoError(t, err)
	assert.Nil(t, o.Gate)

	result, err := o.Run(context.Background(), &models.PipelineRun{ID: "cli", Event: models.EventPullRequest, Branch: "main", CommitSHA: "abc"})
	require.NoError(t, err)
	require.Equal(t, models.RunSucceeded, result.Status, "%v\n%s", result.Err, out.String())
	assert.Equal(t, 0, result.ExitCode())
	assert.FileExists(t, filepath.Join(runner.BUILD_DIR, "coverage.xml"))
}

func TestPlanCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"plan", "-f", "../../examples/dotci.yml"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "ubuntu-latest-3.13")
	assert.Contains(t, out.String(), "python:3.13-slim")
	assert.Contains(t, out.String(), "coverage.ubuntu-latest.3.13")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version: nightly")
}

func TestExpandEnvKeepsShellVariables(t *testing.T) {
	t.Setenv("TEST_HOST_VALUE", "host")
	out := expandEnv([]byte(`a: ${TEST_HOST_VALUE}
b: echo $HOME
c: ${TEST_UNSET_VALUE}`))
	assert.Equal(t, "a: host\nb: echo $HOME\nc: ", string(out))
}
