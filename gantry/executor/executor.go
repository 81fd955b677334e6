package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/secrets"
	"tangled.sh/tangled.sh/gantry/log"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// RunContext is what a stage may know about the run executing it.
type RunContext struct {
	RunId     int64
	Pipeline  string
	Revision  string
	Workspace string
	SourceURL string
	Branch    string
	// Artifacts holds the valid artifact references of the run, keyed by
	// the stage that published them. Only stages with a succeeded result
	// contribute.
	Artifacts map[string]models.ArtifactReference
}

func (rc RunContext) Key(stage string) models.StageKey {
	return models.StageKey{RunId: rc.RunId, Stage: stage}
}

// Step is the input handed to an Action for a single attempt.
type Step struct {
	Def     models.StageDefinition
	Run     RunContext
	Attempt int
	Env     EnvVars
	Secrets map[string]string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *slog.Logger
}

func (s *Step) Secret(key string) string {
	return s.Secrets[key]
}

// Output is what an action produced besides its log.
type Output struct {
	Artifact *models.ArtifactReference
	Manifest *models.ManifestUpdate
}

// Action is an opaque unit of stage work. Returned errors should be wrapped
// with Transient or Permanent; unmarked errors are classified by
// IsTransient.
type Action interface {
	Run(ctx context.Context, step *Step) (*Output, error)
}

type ActionFunc func(ctx context.Context, step *Step) (*Output, error)

func (f ActionFunc) Run(ctx context.Context, step *Step) (*Output, error) {
	return f(ctx, step)
}

// Outcome is everything Execute reports back. Artifact and Manifest are
// only set when Result succeeded.
type Outcome struct {
	Result   models.StageResult
	Artifact *models.ArtifactReference
	Manifest *models.ManifestUpdate
}

type Executor struct {
	mu      sync.RWMutex
	actions map[models.ActionKind]Action

	secrets   secrets.Manager
	logDir    string
	baseDelay time.Duration
	maxDelay  time.Duration
	l         *slog.Logger
}

type Option func(*Executor)

func WithBackoff(base, max time.Duration) Option {
	return func(e *Executor) {
		e.baseDelay = base
		e.maxDelay = max
	}
}

func WithAction(kind models.ActionKind, a Action) Option {
	return func(e *Executor) {
		e.actions[kind] = a
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.l = l
	}
}

func New(logDir string, sm secrets.Manager, opts ...Option) *Executor {
	e := &Executor{
		actions:   make(map[models.ActionKind]Action),
		secrets:   sm,
		logDir:    logDir,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		l:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.l = e.l.With("component", "executor")
	return e
}

func (e *Executor) Register(kind models.ActionKind, a Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[kind] = a
}

func (e *Executor) action(kind models.ActionKind) (Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[kind]
	return a, ok
}

func (e *Executor) LogDir() string {
	return e.logDir
}

// Execute runs one stage to a StageResult. It never returns an error:
// timeouts, panics, missing credentials and action failures all end up in
// the result. The attempt loop retries transient failures only, with
// exponential backoff between attempts.
func (e *Executor) Execute(ctx context.Context, def models.StageDefinition, rc RunContext) Outcome {
	l := e.l.With("run", rc.RunId, "stage", def.Name)
	ctx = log.IntoContext(ctx, l)

	res := models.StageResult{
		Name:      def.Name,
		StartedAt: time.Now().UTC(),
	}
	fail := func(reason models.FailureReason, err error) Outcome {
		res.Status = models.StageFailed
		res.Reason = reason
		res.Error = err.Error()
		res.ExitCode = exitCode(err)
		res.FinishedAt = time.Now().UTC()
		l.Error("stage failed", "reason", reason, "error", res.Error)
		return Outcome{Result: res}
	}

	if def.Timeout <= 0 {
		return fail(models.ReasonConfig, fmt.Errorf("stage %q: timeout must be positive", def.Name))
	}

	action, ok := e.action(def.Action)
	if !ok {
		return fail(models.ReasonConfig, fmt.Errorf("%w for %q", ErrNoAction, def.Action))
	}

	creds, credErr := secrets.Resolve(ctx, e.secrets, secrets.Scope(rc.Pipeline), def.Secrets)

	logger, err := models.NewStageLogger(e.logDir, rc.Key(def.Name), secrets.Values(creds))
	if err != nil {
		return fail(models.ReasonPermanent, err)
	}
	defer logger.Close()
	res.LogPath = logger.Path()

	if credErr != nil {
		logger.Control(models.ControlEnd, 0, "missing credentials: "+credErr.Error())
		return fail(models.ReasonPermanent, credErr)
	}

	secretMap := make(map[string]string, len(creds))
	env := ConstructEnvs(def.Env)
	for _, s := range creds {
		secretMap[s.Key] = s.Value
		env.AddEnv(s.Key, s.Value)
	}
	l.Debug("resolved stage environment", "envs", env.Keys())

	var (
		out     *Output
		lastErr error
		attempt int
	)

	_ = retry.Do(
		func() error {
			attempt++
			logger.Control(models.ControlAttempt, attempt, fmt.Sprintf("attempt %d of %d", attempt, def.Retries+1))

			o, err := e.attempt(ctx, action, def, rc, attempt, env, secretMap, logger, l)
			out, lastErr = o, err
			return err
		},
		retry.Attempts(uint(def.Retries+1)),
		retry.Delay(e.baseDelay),
		retry.MaxDelay(e.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 > def.Retries {
				return
			}
			msg := logger.Redact(err.Error())
			l.Warn("transient stage failure, retrying", "attempt", n+1, "error", msg)
			logger.Control(models.ControlRetry, int(n)+1, msg)
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	res.Attempts = attempt

	switch {
	case lastErr == nil && attempt > 0:
		res.Status = models.StageSucceeded
		res.FinishedAt = time.Now().UTC()
		logger.Control(models.ControlEnd, attempt, "succeeded")
		l.Info("stage succeeded", "attempts", attempt)

		o := Outcome{Result: res}
		if out != nil {
			if out.Artifact != nil {
				a := *out.Artifact
				a.Stage = def.Name
				o.Artifact = &a
			}
			if out.Manifest != nil {
				m := *out.Manifest
				m.Stage = def.Name
				o.Manifest = &m
			}
		}
		return o

	case ctx.Err() != nil || attempt == 0:
		logger.Control(models.ControlEnd, attempt, "aborted")
		res.Status = models.StageAborted
		res.Reason = models.ReasonAborted
		res.Error = ErrAborted.Error()
		res.ExitCode = -1
		res.FinishedAt = time.Now().UTC()
		l.Warn("stage aborted", "attempts", attempt)
		return Outcome{Result: res}

	case errors.Is(lastErr, ErrTimedOut):
		logger.Control(models.ControlEnd, attempt, fmt.Sprintf("timed out after %s", def.Timeout))
		return fail(models.ReasonTimeout, redacted(logger, lastErr))

	case IsTransient(lastErr):
		logger.Control(models.ControlEnd, attempt, "retries exhausted")
		return fail(models.ReasonTransient, redacted(logger, lastErr))

	default:
		logger.Control(models.ControlEnd, attempt, "failed")
		return fail(models.ReasonPermanent, redacted(logger, lastErr))
	}
}

// attempt runs the action once under the per attempt timeout.
func (e *Executor) attempt(
	ctx context.Context,
	action Action,
	def models.StageDefinition,
	rc RunContext,
	n int,
	env EnvVars,
	secretMap map[string]string,
	logger *models.StageLogger,
	l *slog.Logger,
) (out *Output, err error) {
	actx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	stdout := logger.DataWriter("stdout")
	stderr := logger.DataWriter("stderr")
	defer func() {
		stdout.Flush()
		stderr.Flush()
	}()

	defer func() {
		if r := recover(); r != nil {
			l.Error("stage action panicked", "panic", r)
			out, err = nil, Permanent(fmt.Errorf("action panicked: %v", r))
		}
	}()

	step := &Step{
		Def:     def,
		Run:     rc,
		Attempt: n,
		Env:     append(EnvVars(nil), env...),
		Secrets: secretMap,
		Stdout:  stdout,
		Stderr:  stderr,
		Logger:  l,
	}

	out, err = action.Run(actx, step)
	if err == nil {
		return out, nil
	}

	// the parent context decides between abort and timeout
	if ctx.Err() != nil {
		return nil, Permanent(ErrAborted)
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, Permanent(fmt.Errorf("%w after %s", ErrTimedOut, def.Timeout))
	}
	return out, err
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redacted(logger *models.StageLogger, err error) error {
	return &redactedError{msg: logger.Redact(err.Error()), err: err}
}
