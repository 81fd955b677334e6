package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/secrets"
	"tangled.sh/tangled.sh/gantry/log"
)

type testEnv struct {
	exec    *Executor
	secrets *secrets.SqliteManager
	rc      RunContext
	logDir  string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	sm, err := secrets.NewSQLiteManager(filepath.Join(dir, "secrets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	logDir := filepath.Join(dir, "logs")
	opts = append([]Option{
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithLogger(log.Discard()),
		WithAction(models.ActionShell, NewShellAction()),
	}, opts...)

	return &testEnv{
		exec:    New(logDir, sm, opts...),
		secrets: sm,
		logDir:  logDir,
		rc: RunContext{
			RunId:     7,
			Pipeline:  "hello-flask",
			Revision:  "abc123",
			Workspace: filepath.Join(dir, "workspace"),
		},
	}
}

func (e *testEnv) addSecret(t *testing.T, key, value string) {
	t.Helper()
	require.NoError(t, e.secrets.AddSecret(context.Background(), secrets.UnlockedSecret{
		Key: key, Value: value, Scope: secrets.Scope(e.rc.Pipeline), CreatedBy: "test",
	}))
}

func readLog(t *testing.T, path string) []models.LogLine {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines, err := models.ReadLog(f)
	require.NoError(t, err)
	return lines
}

func controlLines(lines []models.LogLine, ev models.ControlEvent) []models.LogLine {
	var out []models.LogLine
	for _, l := range lines {
		if l.Kind == models.LogKindControl && l.Event == ev {
			out = append(out, l)
		}
	}
	return out
}

func dataText(lines []models.LogLine) string {
	var b strings.Builder
	for _, l := range lines {
		if l.Kind == models.LogKindData {
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func shellStage(name, command string) models.StageDefinition {
	return models.StageDefinition{
		Name:    name,
		Action:  models.ActionShell,
		Command: command,
		Timeout: 10 * time.Second,
	}
}

func TestExecuteShellSuccess(t *testing.T) {
	env := newTestEnv(t)
	def := shellStage("test", `echo "run $GANTRY_RUN_ID stage $GANTRY_STAGE greeting $GREETING"; echo oops >&2`)
	def.Env = map[string]string{"GREETING": "hi"}

	out := env.exec.Execute(context.Background(), def, env.rc)
	res := out.Result
	require.Equal(t, models.StageSucceeded, res.Status, res.Error)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, models.LogFilePath(env.logDir, env.rc.Key("test")), res.LogPath)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	lines := readLog(t, res.LogPath)
	assert.Contains(t, dataText(lines), "run 7 stage test greeting hi")
	var stderr bool
	for _, l := range lines {
		if l.Stream == "stderr" && l.Content == "oops" {
			stderr = true
		}
	}
	assert.True(t, stderr)
	assert.Len(t, controlLines(lines, models.ControlEnd), 1)
}

func TestExecuteRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)
	env.addSecret(t, "API_TOKEN", "s3cr3t-value")

	def := shellStage("leaky", `echo "token=$API_TOKEN"; echo "$API_TOKEN" >&2; exit 3`)
	def.Secrets = []string{"API_TOKEN"}

	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, models.ReasonPermanent, res.Reason)

	raw, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cr3t-value")
	assert.Contains(t, string(raw), "token=***")
}

func TestExecuteMissingSecret(t *testing.T) {
	env := newTestEnv(t)
	def := shellStage("push", "true")
	def.Secrets = []string{"REGISTRY_PASSWORD"}

	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, models.ReasonPermanent, res.Reason)
	assert.Equal(t, 0, res.Attempts)
	assert.Contains(t, res.Error, "REGISTRY_PASSWORD")
}

// flakyAction fails with err for the first n calls, then succeeds.
type flakyAction struct {
	calls atomic.Int32
	n     int32
	err   error
	out   *Output
}

func (a *flakyAction) Run(ctx context.Context, step *Step) (*Output, error) {
	c := a.calls.Add(1)
	fmt.Fprintf(step.Stdout, "attempt %d\n", step.Attempt)
	if c <= a.n {
		return nil, a.err
	}
	return a.out, nil
}

func TestExecutePushTransientTwiceThenSucceeds(t *testing.T) {
	ref := &models.ArtifactReference{Repository: "docker.io/acme/hello-flask", Digest: "sha256:abcd", Tag: "latest"}
	action := &flakyAction{n: 2, err: Transient(errors.New("registry throttled: 429")), out: &Output{Artifact: ref}}
	env := newTestEnv(t, WithAction(models.ActionPublish, action))

	def := models.StageDefinition{Name: "push", Action: models.ActionPublish, Timeout: time.Second, Retries: 3}
	out := env.exec.Execute(context.Background(), def, env.rc)

	require.Equal(t, models.StageSucceeded, out.Result.Status, out.Result.Error)
	assert.Equal(t, 3, out.Result.Attempts)
	assert.EqualValues(t, 3, action.calls.Load())

	lines := readLog(t, out.Result.LogPath)
	attempts := controlLines(lines, models.ControlAttempt)
	require.Len(t, attempts, 3)
	for i, l := range attempts {
		assert.Equal(t, i+1, l.Attempt)
	}
	assert.Len(t, controlLines(lines, models.ControlRetry), 2)

	require.NotNil(t, out.Artifact)
	assert.Equal(t, "push", out.Artifact.Stage)
	assert.Equal(t, "sha256:abcd", out.Artifact.Digest)
}

func TestExecuteRetryPolicy(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		failures     int32
		retries      int
		wantStatus   models.StageStatus
		wantReason   models.FailureReason
		wantAttempts int
	}{
		{
			name:         "permanent failure is not retried",
			err:          Permanent(errors.New("assertion failed")),
			failures:     5,
			retries:      3,
			wantStatus:   models.StageFailed,
			wantReason:   models.ReasonPermanent,
			wantAttempts: 1,
		},
		{
			name:         "unmarked error is permanent",
			err:          errors.New("bad credentials"),
			failures:     5,
			retries:      3,
			wantStatus:   models.StageFailed,
			wantReason:   models.ReasonPermanent,
			wantAttempts: 1,
		},
		{
			name:         "transient failures exhaust retries",
			err:          Transient(errors.New("connection reset")),
			failures:     5,
			retries:      2,
			wantStatus:   models.StageFailed,
			wantReason:   models.ReasonTransient,
			wantAttempts: 3,
		},
		{
			name:         "network errors are transient",
			err:          &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			failures:     1,
			retries:      1,
			wantStatus:   models.StageSucceeded,
			wantAttempts: 2,
		},
		{
			name:         "no retries configured",
			err:          Transient(errors.New("blip")),
			failures:     1,
			retries:      0,
			wantStatus:   models.StageFailed,
			wantReason:   models.ReasonTransient,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := &flakyAction{n: tt.failures, err: tt.err}
			env := newTestEnv(t, WithAction(models.ActionShell, action))

			def := shellStage("stage", "unused")
			def.Retries = tt.retries
			res := env.exec.Execute(context.Background(), def, env.rc).Result

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			assert.EqualValues(t, tt.wantAttempts, action.calls.Load())
		})
	}
}

func TestExecuteRetryOnExitCode(t *testing.T) {
	env := newTestEnv(t)
	def := shellStage("flaky", "exit 75")
	def.RetryOn = []int{75}
	def.Retries = 2

	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, models.ReasonTransient, res.Reason)
	assert.Equal(t, 75, res.ExitCode)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecuteTimeout(t *testing.T) {
	env := newTestEnv(t)
	def := shellStage("slow", "sleep 10")
	def.Timeout = 200 * time.Millisecond
	def.Retries = 3

	start := time.Now()
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Less(t, time.Since(start), 8*time.Second)

	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, models.ReasonTimeout, res.Reason)
	assert.Equal(t, 1, res.Attempts, "timeouts are not retried")
	assert.Contains(t, res.Error, ErrTimedOut.Error())
}

func TestExecuteAborted(t *testing.T) {
	started := make(chan struct{})
	action := ActionFunc(func(ctx context.Context, step *Step) (*Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, WithAction(models.ActionShell, action))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := env.exec.Execute(ctx, shellStage("build", "unused"), env.rc).Result
	assert.Equal(t, models.StageAborted, res.Status)
	assert.Equal(t, models.ReasonAborted, res.Reason)
}

func TestExecuteNeverPanics(t *testing.T) {
	action := ActionFunc(func(ctx context.Context, step *Step) (*Output, error) {
		panic("boom")
	})
	env := newTestEnv(t, WithAction(models.ActionShell, action))

	def := shellStage("build", "unused")
	def.Retries = 2
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, models.ReasonPermanent, res.Reason)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Error, "boom")
}

func TestExecuteConfigurationFailures(t *testing.T) {
	env := newTestEnv(t)

	res := env.exec.Execute(context.Background(), models.StageDefinition{Name: "x", Action: models.ActionShell}, env.rc).Result
	assert.Equal(t, models.ReasonConfig, res.Reason)

	res = env.exec.Execute(context.Background(), models.StageDefinition{Name: "x", Action: models.ActionContainer, Timeout: time.Second}, env.rc).Result
	assert.Equal(t, models.ReasonConfig, res.Reason)
	assert.Contains(t, res.Error, ErrNoAction.Error())
}

func TestExecuteAppendsAcrossExecutions(t *testing.T) {
	env := newTestEnv(t)
	def := shellStage("test", "echo once")

	first := env.exec.Execute(context.Background(), def, env.rc).Result
	second := env.exec.Execute(context.Background(), def, env.rc).Result
	require.Equal(t, first.LogPath, second.LogPath)

	lines := readLog(t, second.LogPath)
	assert.Len(t, controlLines(lines, models.ControlAttempt), 2)
	assert.Equal(t, 2, strings.Count(dataText(lines), "once"))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", Transient(errors.New("x")), true},
		{"marked permanent", Permanent(errors.New("x")), false},
		{"permanent wrapping transient", Permanent(Transient(errors.New("x"))), false},
		{"wrapped transient", fmt.Errorf("pushing: %w", Transient(errors.New("x"))), true},
		{"timeout", fmt.Errorf("%w after 1s", ErrTimedOut), false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("exit status 1"), false},
		{"exit code", &ExitError{Code: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
