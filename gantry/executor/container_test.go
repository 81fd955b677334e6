package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

// fakeDocker implements the handful of daemon calls ContainerAction makes.
type fakeDocker struct {
	client.APIClient

	stdout, stderr string
	exitCode       int64
	block          bool
	pullErr        error

	created *container.Config
	host    *container.HostConfig
	killed  bool
	removed bool
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = cfg
	f.host = host
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	resCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if !f.block {
		resCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return resCh, errCh
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.killed = true
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	if f.removed {
		return errors.New("Error: No such container: " + id)
	}
	f.removed = true
	return nil
}

func containerStage() models.StageDefinition {
	return models.StageDefinition{
		Name:    "build",
		Action:  models.ActionContainer,
		Image:   "python:3.12",
		Command: "python -m pytest",
		Timeout: 5 * time.Second,
		Env:     map[string]string{"CI": "true"},
	}
}

func TestContainerActionSuccess(t *testing.T) {
	docker := &fakeDocker{stdout: "collected 3 items\n3 passed\n", stderr: "warning\n"}
	env := newTestEnv(t, WithAction(models.ActionContainer, NewContainerActionWithClient(docker)))

	res := env.exec.Execute(context.Background(), containerStage(), env.rc).Result
	require.Equal(t, models.StageSucceeded, res.Status, res.Error)

	assert.Equal(t, []string{"sh", "-c", "python -m pytest"}, []string(docker.created.Cmd))
	assert.Equal(t, containerWorkspaceDir, docker.created.WorkingDir)
	assert.Contains(t, docker.created.Env, "CI=true")
	assert.Contains(t, docker.created.Env, "GANTRY_RUN_ID=7")
	assert.Equal(t, []string{"ALL"}, []string(docker.host.CapDrop))
	assert.Equal(t, containerWorkspaceDir, docker.host.Mounts[0].Target)
	assert.True(t, docker.removed)

	lines := readLog(t, res.LogPath)
	text := dataText(lines)
	assert.Contains(t, text, "3 passed")
	assert.Contains(t, text, "warning")
}

func TestContainerActionExitCode(t *testing.T) {
	docker := &fakeDocker{exitCode: 2}
	env := newTestEnv(t, WithAction(models.ActionContainer, NewContainerActionWithClient(docker)))

	def := containerStage()
	def.Retries = 2
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestContainerActionTimeoutKills(t *testing.T) {
	docker := &fakeDocker{block: true}
	env := newTestEnv(t, WithAction(models.ActionContainer, NewContainerActionWithClient(docker)))

	def := containerStage()
	def.Timeout = 50 * time.Millisecond
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.ReasonTimeout, res.Reason)
	assert.True(t, docker.killed)
}

func TestContainerActionPullFailureIsTransient(t *testing.T) {
	docker := &fakeDocker{pullErr: errors.New("dial unix /var/run/docker.sock: connect: no such file")}
	env := newTestEnv(t, WithAction(models.ActionContainer, NewContainerActionWithClient(docker)))

	def := containerStage()
	def.Retries = 1
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.ReasonTransient, res.Reason)
	assert.Equal(t, 2, res.Attempts)
}
