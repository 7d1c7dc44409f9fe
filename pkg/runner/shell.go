package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/opnlabs/dotci/pkg/utils"
)

// ShellRunner runs the steps of a job on the host with /bin/sh inside a
// private copy of the source tree.
type ShellRunner struct {
	name      string
	src       string
	env       []string
	workspace string
	opts      LogOptions
}

func NewShellRunner(name string, opts LogOptions) *ShellRunner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &ShellRunner{
		name: slug.Make(name + "-" + uuid.NewString()),
		src:  ".",
		opts: opts,
	}
}

func (s *ShellRunner) WithSrc(src string) *ShellRunner {
	if src != "" {
		s.src = filepath.Clean(src)
	}
	return s
}

func (s *ShellRunner) WithEnv(env []string) *ShellRunner {
	s.env = env
	return s
}

func (s *ShellRunner) Prepare(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "dotci-"+s.name+"-")
	if err != nil {
		return fmt.Errorf("unable to create workspace for %s: %v", s.name, err)
	}
	s.workspace = dir
	if err := utils.TarCopy(s.src, dir, ""); err != nil {
		return fmt.Errorf("unable to copy sources for %s: %v", s.name, err)
	}
	return nil
}

func (s *ShellRunner) Exec(ctx context.Context, step Step) error {
	if s.workspace == "" {
		return fmt.Errorf("shell runner %s is not prepared", s.name)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", "set -e\n"+strings.Join(step.Script, "\n"))
	cmd.Dir = s.workspace
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("step %s of %s interrupted: %w", step.Name, s.name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Step: step.Name, Code: int64(exitErr.ExitCode())}
	}
	return err
}

func (s *ShellRunner) Open(path string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.workspace, filepath.Clean("/"+path)))
}

func (s *ShellRunner) Close() error {
	if s.workspace == "" {
		return nil
	}
	return os.RemoveAll(s.workspace)
}
