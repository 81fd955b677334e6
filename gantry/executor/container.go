package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerWorkspaceDir = "/gantry/workspace"
)

// ContainerAction runs the stage command inside a docker container with the
// run workspace bind mounted.
type ContainerAction struct {
	docker client.APIClient
}

func NewContainerAction() (*ContainerAction, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &ContainerAction{docker: dcli}, nil
}

func NewContainerActionWithClient(docker client.APIClient) *ContainerAction {
	return &ContainerAction{docker: docker}
}

func (a *ContainerAction) Run(ctx context.Context, step *Step) (*Output, error) {
	l := step.Logger
	def := step.Def

	workspace, err := filepath.Abs(step.Run.Workspace)
	if err != nil {
		return nil, Permanent(err)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, Permanent(fmt.Errorf("creating workspace: %w", err))
	}

	reader, err := a.docker.ImagePull(ctx, def.Image, image.PullOptions{})
	if err != nil {
		l.Error("stage image pull failed", "image", def.Image, "error", err)
		return nil, classifyDocker(fmt.Errorf("pulling image: %w", err))
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	envs := append(EnvVars(nil), step.Env...)
	envs.AddEnv("HOME", containerWorkspaceDir)
	envs.AddEnv("GANTRY_RUN_ID", strconv.FormatInt(step.Run.RunId, 10))
	envs.AddEnv("GANTRY_PIPELINE", step.Run.Pipeline)
	envs.AddEnv("GANTRY_REVISION", step.Run.Revision)
	envs.AddEnv("GANTRY_STAGE", def.Name)

	resp, err := a.docker.ContainerCreate(ctx, &container.Config{
		Image:      def.Image,
		Cmd:        []string{"sh", "-c", def.Command},
		WorkingDir: containerWorkspaceDir,
		Tty:        false,
		Hostname:   "gantry",
		Env:        envs.Slice(),
	}, hostConfig(workspace), nil, nil, "")
	if err != nil {
		return nil, classifyDocker(fmt.Errorf("creating container: %w", err))
	}
	defer a.destroy(context.WithoutCancel(ctx), step, resp.ID)

	if err := a.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, classifyDocker(fmt.Errorf("starting container: %w", err))
	}
	l.Info("started container", "container", resp.ID, "image", def.Image, "envs", envs.Keys())

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- a.tail(ctx, step, resp.ID)
	}()

	waitCh, errCh := a.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		l.Warn("stage context done; killing container", "container", resp.ID)
		a.destroy(context.WithoutCancel(ctx), step, resp.ID)
		<-tailDone
		return nil, ctx.Err()

	case err := <-errCh:
		<-tailDone
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyDocker(fmt.Errorf("waiting for container: %w", err))

	case w := <-waitCh:
		if err := <-tailDone; err != nil {
			l.Error("failed to tail container", "container", resp.ID, "error", err)
		}
		if w.Error != nil && w.Error.Message != "" {
			return nil, Transient(fmt.Errorf("container wait: %s", w.Error.Message))
		}
		if w.StatusCode != 0 {
			return nil, exitError(int(w.StatusCode), def.RetryOn)
		}
	}

	return nil, nil
}

func (a *ContainerAction) tail(ctx context.Context, step *Step, containerID string) error {
	logs, err := a.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(step.Stdout, step.Stderr, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}
	return nil
}

func (a *ContainerAction) destroy(ctx context.Context, step *Step, containerID string) {
	err := a.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		step.Logger.Error("failed to kill container", "container", containerID, "error", err)
	}

	err = a.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) && !strings.Contains(err.Error(), "already in progress") {
		step.Logger.Error("failed to remove container", "container", containerID, "error", err)
	}
}

func hostConfig(workspace string) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: containerWorkspaceDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777,
				},
			},
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}
}

// classifyDocker treats daemon answers about bad input as permanent and
// everything else, including connection failures, as transient.
func classifyDocker(err error) error {
	if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) ||
		errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
		return Permanent(err)
	}
	return Transient(err)
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
