package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"tangled.sh/tangled.sh/gantry/gantry/config"
	"tangled.sh/tangled.sh/gantry/gantry/db"
	"tangled.sh/tangled.sh/gantry/gantry/executor"
	"tangled.sh/tangled.sh/gantry/gantry/graph"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/queue"
	"tangled.sh/tangled.sh/gantry/notifier"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrMissingRevision = errors.New("revision is required")
	ErrQueueFull       = errors.New("run queue is full")
	ErrRunNotFound     = db.ErrRunNotFound
	ErrRunTerminal     = db.ErrRunTerminal
	ErrRunNotResumable = db.ErrRunNotResumable
)

// StageRunner executes one stage to a result. *executor.Executor is the
// production implementation.
type StageRunner interface {
	Execute(ctx context.Context, def models.StageDefinition, rc executor.RunContext) executor.Outcome
}

type Options struct {
	Workers           int
	Parallelism       int
	QueueSize         int
	AbortGrace        time.Duration
	ResumeAfter       time.Duration
	HeartbeatInterval time.Duration
	WorkspaceDir      string
}

func OptionsFromConfig(cfg config.Pipelines) Options {
	return Options{
		Workers:           cfg.Workers,
		Parallelism:       cfg.Parallelism,
		QueueSize:         cfg.QueueSize,
		AbortGrace:        cfg.AbortGrace,
		ResumeAfter:       cfg.ResumeAfter,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WorkspaceDir:      cfg.WorkspaceDir,
	}
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.ResumeAfter < 0 {
		o.ResumeAfter = 0
	}
}

// runState is the in-process handle of a run this instance has queued or
// is executing.
type runState struct {
	id       int64
	pipeline string

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// Coordinator is the only writer of run status. It owns one FIFO lane per
// pipeline, so at most one run per pipeline executes at a time, and drives
// each run's stage graph through a bounded pool of stage workers.
type Coordinator struct {
	db        *db.DB
	n         *notifier.Notifier
	runner    StageRunner
	pipelines map[string]*graph.Pipeline
	opts      Options
	owner     string
	q         *queue.Queue
	cache     *ristretto.Cache
	l         *slog.Logger

	mu   sync.Mutex
	runs map[int64]*runState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(d *db.DB, n *notifier.Notifier, runner StageRunner, pipelines map[string]*graph.Pipeline, opts Options, l *slog.Logger) (*Coordinator, error) {
	opts.defaults()
	if n == nil {
		n = notifier.New()
	}
	if l == nil {
		l = slog.Default()
	}

	// only terminal runs are cached, they never change again
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating status cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	owner := uuid.NewString()
	return &Coordinator{
		db:        d,
		n:         n,
		runner:    runner,
		pipelines: pipelines,
		opts:      opts,
		owner:     owner,
		q:         queue.NewQueue(opts.QueueSize),
		cache:     cache,
		l:         l.With("component", "coordinator", "owner", owner),
		runs:      make(map[int64]*runState),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Owner is the instance id recorded on runs this coordinator drives.
func (c *Coordinator) Owner() string {
	return c.owner
}

func (c *Coordinator) Notifier() *notifier.Notifier {
	return c.n
}

func (c *Coordinator) Pipeline(name string) (*graph.Pipeline, bool) {
	p, ok := c.pipelines[name]
	return p, ok
}

func (c *Coordinator) Pipelines() []string {
	return graph.Names(c.pipelines)
}

// Start adopts abandoned runs, starts the workers and keeps this instance's
// runs alive with heartbeats.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recovering runs: %w", err)
	}
	c.q.StartRunner(c.ctx, c.opts.Workers)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeat()
	}()

	c.l.Info("coordinator started", "workers", c.opts.Workers, "parallelism", c.opts.Parallelism)
	return nil
}

// Stop cancels in-flight stages and waits for the workers. Runs that were
// not finished stay active in the database and are resumed by the next
// instance that starts.
func (c *Coordinator) Stop() {
	c.cancel()
	c.q.Wait()
	c.wg.Wait()
	c.l.Info("coordinator stopped")
}

// Trigger creates a pending run and queues it behind any earlier run of the
// same pipeline. It returns as soon as the run is queued.
func (c *Coordinator) Trigger(ctx context.Context, pipeline, revision string) (int64, error) {
	p, ok := c.pipelines[pipeline]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipeline)
	}
	if revision == "" {
		return 0, ErrMissingRevision
	}

	run, err := c.db.CreateRun(ctx, pipeline, revision, c.owner, c.n)
	if err != nil {
		return 0, err
	}

	if !c.enqueue(run.Id, p) {
		if _, err := c.db.FinishRun(context.WithoutCancel(ctx), run.Id, models.RunAborted, "", ErrQueueFull.Error(), c.n); err != nil {
			c.l.Error("failed to abort unqueued run", "run", run.Id, "error", err)
		}
		return 0, ErrQueueFull
	}

	c.l.Info("run triggered", "run", run.Id, "pipeline", pipeline, "revision", revision)
	return run.Id, nil
}

// Resume continues a failed run from its failure point. A new run of the
// same pipeline and revision is queued carrying over every succeeded stage
// result, with its artifacts, so only the remaining stages execute.
func (c *Coordinator) Resume(ctx context.Context, id int64) (int64, error) {
	src, err := c.db.GetRun(ctx, id)
	if err != nil {
		return 0, err
	}
	p, ok := c.pipelines[src.Pipeline]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPipeline, src.Pipeline)
	}

	run, err := c.db.CreateResumedRun(ctx, id, c.owner, c.n)
	if err != nil {
		return 0, err
	}

	if !c.enqueue(run.Id, p) {
		if _, err := c.db.FinishRun(context.WithoutCancel(ctx), run.Id, models.RunAborted, "", ErrQueueFull.Error(), c.n); err != nil {
			c.l.Error("failed to abort unqueued run", "run", run.Id, "error", err)
		}
		return 0, ErrQueueFull
	}

	c.l.Info("run resumed", "run", run.Id, "resumed_from", id, "pipeline", p.Name, "carried_over", len(src.Completed()))
	return run.Id, nil
}

func (c *Coordinator) enqueue(id int64, p *graph.Pipeline) bool {
	ctx, cancel := context.WithCancel(c.ctx)
	st := &runState{id: id, pipeline: p.Name, ctx: ctx, cancel: cancel}

	c.mu.Lock()
	if _, ok := c.runs[id]; ok {
		c.mu.Unlock()
		cancel()
		return true
	}
	c.runs[id] = st
	c.mu.Unlock()

	ok := c.q.Enqueue(queue.Job{
		Lane: p.Name,
		Id:   id,
		Run: func() error {
			defer c.untrack(st)
			return c.drive(st, p)
		},
		OnFail: func(err error) {
			c.l.Error("run failed to execute", "run", id, "pipeline", p.Name, "error", err)
		},
	})
	if !ok {
		c.untrack(st)
	}
	return ok
}

func (c *Coordinator) untrack(st *runState) {
	c.mu.Lock()
	delete(c.runs, st.id)
	c.mu.Unlock()

	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.mu.Unlock()
	st.cancel()
}

func (c *Coordinator) tracked(id int64) (*runState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[id]
	return st, ok
}

// Status returns the run and its stage results so far.
func (c *Coordinator) Status(ctx context.Context, id int64) (models.PipelineRun, error) {
	if v, ok := c.cache.Get(id); ok {
		if run, ok := v.(models.PipelineRun); ok {
			return run, nil
		}
	}

	run, err := c.db.GetRun(ctx, id)
	if err != nil {
		return run, err
	}
	if run.Status.IsTerminal() {
		c.cache.Set(id, run, 1)
	}
	return run, nil
}

// Wait blocks until the run is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id int64) (models.PipelineRun, error) {
	ch := c.n.Subscribe()
	defer c.n.Unsubscribe(ch)

	for {
		run, err := c.Status(ctx, id)
		if err != nil || run.Status.IsTerminal() {
			return run, err
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ch:
		case <-time.After(time.Second):
		}
	}
}

// Abort marks a run aborted. A queued run never starts. An executing run
// schedules no further stages and its in-flight stages are cancelled once
// the grace period has passed.
func (c *Coordinator) Abort(ctx context.Context, id int64) error {
	st, ok := c.tracked(id)
	removed := false
	if ok {
		st.aborted.Store(true)
		removed = c.q.Remove(st.pipeline, id)
	}

	changed, err := c.db.FinishRun(ctx, id, models.RunAborted, "", "aborted by operator", c.n)
	if removed {
		// untracked only once terminal, recovery would queue it again
		c.l.Info("removed queued run", "run", id)
		c.untrack(st)
		ok = false
	}
	if err != nil {
		return err
	}
	if !changed {
		if _, err := c.db.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d", ErrRunTerminal, id)
	}

	if ok {
		st.mu.Lock()
		st.timer = time.AfterFunc(c.opts.AbortGrace, st.cancel)
		st.mu.Unlock()
	}

	c.l.Info("run aborted", "run", id, "grace", c.opts.AbortGrace)
	return nil
}

// recover adopts active runs whose owner stopped sending heartbeats, oldest
// first so that pipeline lanes keep trigger order. Runs this instance owns
// but no longer tracks, such as adopted runs that found the queue full, are
// queued again.
func (c *Coordinator) recover(ctx context.Context) error {
	runs, err := c.db.ActiveRuns(ctx)
	if err != nil {
		return err
	}

	staleBefore := time.Now().Add(-c.opts.ResumeAfter)
	for _, r := range runs {
		if _, ok := c.tracked(r.Id); ok {
			continue
		}

		if r.Owner != c.owner {
			claimed, err := c.db.ClaimRun(ctx, r.Id, c.owner, staleBefore)
			if err != nil {
				return err
			}
			if !claimed {
				continue
			}
		}

		l := c.l.With("run", r.Id, "pipeline", r.Pipeline, "previous_owner", r.Owner)
		p, ok := c.pipelines[r.Pipeline]
		if !ok {
			l.Warn("adopted run of a pipeline that is not loaded")
			msg := fmt.Sprintf("%s: %s", ErrUnknownPipeline, r.Pipeline)
			if _, err := c.db.FinishRun(ctx, r.Id, models.RunFailed, "", msg, c.n); err != nil {
				return err
			}
			continue
		}

		if !c.enqueue(r.Id, p) {
			l.Warn("queue full, retrying on the next heartbeat")
			continue
		}
		l.Info("adopted run", "status", r.Status)
	}
	return nil
}

func (c *Coordinator) heartbeat() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.db.Heartbeat(c.ctx, c.owner); err != nil {
				c.l.Error("heartbeat failed", "error", err)
			}
			if err := c.recover(c.ctx); err != nil && c.ctx.Err() == nil {
				c.l.Error("recovery failed", "error", err)
			}
		}
	}
}

// cloneArtifacts hands a stage its own copy, the scheduler keeps writing to
// the original.
func cloneArtifacts(a map[string]models.ArtifactReference) map[string]models.ArtifactReference {
	if len(a) == 0 {
		return map[string]models.ArtifactReference{}
	}
	return maps.Clone(a)
}
