package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/opnlabs/dotci/pkg/utils"
)

const (
	BUILD_DIR     = ".dotci"
	WORKING_DIR   = "/app"
	DOCKER_SOCKET = "/var/run/docker.sock"
)

type LogOptions struct {
	ShowImagePull bool
	Stdout        io.Writer
	Stderr        io.Writer
}

type DockerRunnerOptions struct {
	LogOptions
	MountDockerSocket bool
	KeepWorkspace     bool
}

// DockerRunner runs every step of a job as a container of the same image.
// The job workspace is a copy of the source tree bind mounted at
// WORKING_DIR, so files written by one step are seen by the next.
type DockerRunner struct {
	name             string
	image            string
	src              string
	env              []string
	registryAuth     string
	workingDirectory string
	opts             DockerRunnerOptions
	cli              *client.Client
}

func NewDockerRunner(name string, opts DockerRunnerOptions) *DockerRunner {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	jobName := slug.Make(name + "-" + uuid.NewString())

	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	return &DockerRunner{
		name:             jobName,
		src:              ".",
		workingDirectory: wd,
		opts:             opts,
	}
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

func (d *DockerRunner) WithSrc(src string) *DockerRunner {
	if src != "" {
		d.src = filepath.Clean(src)
	}
	return d
}

func (d *DockerRunner) WithEnv(env []string) *DockerRunner {
	d.env = env
	return d
}

// WithCredentials sets the registry credentials used to pull the image.
func (d *DockerRunner) WithCredentials(username, password string) *DockerRunner {
	if username == "" && password == "" {
		return d
	}
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{Username: username, Password: password})
	if err == nil {
		d.registryAuth = auth
	}
	return d
}

func (d *DockerRunner) workspace() string {
	return filepath.Join(d.workingDirectory, BUILD_DIR, fmt.Sprintf("src-%s", d.name))
}

func (d *DockerRunner) Prepare(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client for %s: %v", d.name, err)
	}
	d.cli = cli

	reader, err := cli.ImagePull(ctx, d.image, types.ImagePullOptions{RegistryAuth: d.registryAuth})
	if err != nil {
		return fmt.Errorf("unable to pull image %s for %s: %v", d.image, d.name, err)
	}
	defer reader.Close()
	out := io.Discard
	if d.opts.ShowImagePull {
		out = d.opts.Stdout
	}
	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("unable to read image pull logs for %s: %v", d.name, err)
	}

	if err := utils.TarCopy(d.src, d.workspace(), ""); err != nil {
		return fmt.Errorf("unable to create source directories for %s: %v", d.name, err)
	}
	return nil
}

func (d *DockerRunner) Exec(ctx context.Context, step Step) error {
	if d.cli == nil {
		return fmt.Errorf("docker runner %s is not prepared", d.name)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: d.workspace(),
			Target: WORKING_DIR,
		},
	}
	if d.opts.MountDockerSocket {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: DOCKER_SOCKET, Target: DOCKER_SOCKET})
	}

	commandScript := "set -e\n" + strings.Join(step.Script, "\n")
	containerName := d.name + "-" + step.Name
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Env:        d.env,
		Cmd:        []string{"/bin/sh", "-c", commandScript},
		WorkingDir: WORKING_DIR,
	}, &container.HostConfig{Mounts: mounts}, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("unable to create container %s: %v", containerName, err)
	}
	defer d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("unable to start container %s: %v", containerName, err)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("unable to attach logs for %s: %v", containerName, err)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(d.opts.Stdout, d.opts.Stderr, logs); err != nil {
		return fmt.Errorf("unable to read container logs from %s: %v", containerName, err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("error waiting for container %s to stop: %v", containerName, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return &ExitError{Step: step.Name, Code: status.StatusCode}
		}
	case <-ctx.Done():
		return fmt.Errorf("context timed out, stopping container %s: %w", containerName, ctx.Err())
	}
	return nil
}

func (d *DockerRunner) Open(path string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.workspace(), filepath.Clean("/"+path)))
}

func (d *DockerRunner) Close() error {
	if !d.opts.KeepWorkspace {
		os.RemoveAll(d.workspace())
	}
	if d.cli == nil {
		return nil
	}
	return d.cli.Close()
}
