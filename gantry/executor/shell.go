package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// ShellAction runs the stage command with bash in the run workspace.
type ShellAction struct {
	Shell string
	// WaitDelay bounds how long output pipes may stay open after the
	// process was killed.
	WaitDelay time.Duration
}

func NewShellAction() *ShellAction {
	return &ShellAction{Shell: "bash", WaitDelay: 5 * time.Second}
}

func (a *ShellAction) Run(ctx context.Context, step *Step) (*Output, error) {
	if step.Def.Command == "" {
		return nil, Permanent(fmt.Errorf("stage %q has no command", step.Def.Name))
	}
	if err := os.MkdirAll(step.Run.Workspace, 0755); err != nil {
		return nil, Permanent(fmt.Errorf("creating workspace: %w", err))
	}

	cmd := exec.CommandContext(ctx, a.Shell, "-c", step.Def.Command)
	cmd.Dir = step.Run.Workspace
	cmd.Env = append(baseEnv(step), step.Env...)
	cmd.Stdout = step.Stdout
	cmd.Stderr = step.Stderr
	cmd.WaitDelay = a.WaitDelay

	// kill the whole process group, not just bash
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	step.Logger.Info("running shell stage", "attempt", step.Attempt, "envs", step.Env.Keys())

	err := cmd.Run()
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return nil, exitError(ee.ExitCode(), step.Def.RetryOn)
	}
	return nil, Permanent(fmt.Errorf("starting %s: %w", a.Shell, err))
}

// baseEnv is the environment every process stage starts from.
func baseEnv(step *Step) EnvVars {
	env := EnvVars{}
	env.AddEnv("PATH", os.Getenv("PATH"))
	env.AddEnv("HOME", step.Run.Workspace)
	env.AddEnv("GANTRY_RUN_ID", strconv.FormatInt(step.Run.RunId, 10))
	env.AddEnv("GANTRY_PIPELINE", step.Run.Pipeline)
	env.AddEnv("GANTRY_REVISION", step.Run.Revision)
	env.AddEnv("GANTRY_STAGE", step.Def.Name)
	env.AddEnv("GANTRY_ATTEMPT", strconv.Itoa(step.Attempt))
	return env
}
