package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/gantry/gantry/db"
	"tangled.sh/tangled.sh/gantry/gantry/executor"
	"tangled.sh/tangled.sh/gantry/gantry/graph"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

type stageDone struct {
	def     models.StageDefinition
	outcome executor.Outcome
}

func hasCheckout(g *graph.Graph) bool {
	for _, name := range g.Stages() {
		if def, _ := g.Stage(name); def.Action == models.ActionCheckout {
			return true
		}
	}
	return false
}

func (c *Coordinator) workspace(id int64) string {
	return filepath.Join(c.opts.WorkspaceDir, strconv.FormatInt(id, 10))
}

// drive executes a run to a terminal status, starting from whatever stage
// results are already recorded. Succeeded stages are never executed again.
func (c *Coordinator) drive(st *runState, p *graph.Pipeline) error {
	// writes outlive a shutdown so results of finished stages are kept
	wctx := context.WithoutCancel(c.ctx)
	l := c.l.With("run", st.id, "pipeline", p.Name)

	run, err := c.db.GetRun(wctx, st.id)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		l.Debug("run is already terminal, skipping", "status", run.Status)
		return nil
	}
	if run.Owner != c.owner {
		l.Info("run was adopted by another instance, skipping", "owner", run.Owner)
		return nil
	}

	completed := run.Completed()
	for _, s := range run.Stages {
		if !s.Succeeded() {
			// the previous owner died between recording a failure and
			// finishing the run
			_, err := c.db.FinishRun(wctx, st.id, models.RunFailed, s.Name, s.Error, c.n)
			return err
		}
	}

	artifacts, err := c.db.Artifacts(wctx, st.id)
	if err != nil {
		return err
	}

	g := p.Graph
	if !hasCheckout(g) || anyCheckoutDone(g, completed) {
		if _, err := c.db.MarkRunRunning(wctx, st.id, c.n); err != nil {
			return err
		}
	}

	if run.ResumedFrom != 0 {
		c.adoptWorkspace(run.ResumedFrom, st.id)
	}
	if len(completed) > 0 {
		l.Info("resuming run", "completed", len(completed), "stages", g.Len())
	}

	rc := executor.RunContext{
		RunId:     st.id,
		Pipeline:  p.Name,
		Revision:  run.Revision,
		Workspace: c.workspace(st.id),
		SourceURL: p.Source.URL,
		Branch:    p.Source.Branch,
	}

	var (
		cursor   = g.Cursor()
		done     = make(chan stageDone, g.Len())
		ready    []string
		inflight int
		failed   *models.StageResult
		stopped  bool
	)

	// abort and failure both stop scheduling, in-flight stages drain
	schedulable := func() bool {
		return failed == nil && !stopped && !st.aborted.Load() && c.ctx.Err() == nil
	}

	eg := new(errgroup.Group)
	eg.SetLimit(c.opts.Parallelism)

	for {
		if schedulable() {
			ready = append(ready, cursor.Next(completed)...)
		}
		// offered stages wait here until a slot is free, and are dropped
		// once the run can no longer schedule
		for len(ready) > 0 && inflight < c.opts.Parallelism && schedulable() {
			name := ready[0]
			ready = ready[1:]

			def, _ := g.Stage(name)
			stageRc := rc
			stageRc.Artifacts = cloneArtifacts(artifacts)

			inflight++
			l.Info("dispatching stage", "stage", name)
			eg.Go(func() error {
				done <- stageDone{def: def, outcome: c.runner.Execute(st.ctx, def, stageRc)}
				return nil
			})
		}
		if inflight == 0 {
			break
		}

		d := <-done
		inflight--
		res := d.outcome.Result

		if res.Status == models.StageAborted && !st.aborted.Load() && c.ctx.Err() != nil {
			// shutting down: leave the stage unrecorded so it runs again
			// when the run is resumed
			l.Info("stage interrupted by shutdown", "stage", res.Name)
			continue
		}

		err := c.db.InsertStageResult(wctx, st.id, res, d.outcome.Artifact, d.outcome.Manifest, c.n)
		switch {
		case errors.Is(err, db.ErrRunTerminal):
			// aborted, possibly by another instance
			l.Info("discarding result of a terminal run", "stage", res.Name, "status", res.Status)
			stopped = true
			continue
		case err != nil:
			l.Error("failed to record stage result", "stage", res.Name, "error", err)
			if failed == nil {
				res.Status = models.StageFailed
				res.Error = fmt.Sprintf("recording result: %v", err)
				failed = &res
			}
			continue
		}

		if !res.Succeeded() {
			l.Warn("stage did not succeed", "stage", res.Name, "status", res.Status, "reason", res.Reason)
			if failed == nil {
				failed = &res
			}
			continue
		}

		completed[res.Name] = true
		if a := d.outcome.Artifact; a != nil {
			artifacts[res.Name] = *a
		}
		if d.def.Action == models.ActionCheckout {
			if _, err := c.db.MarkRunRunning(wctx, st.id, c.n); err != nil {
				l.Error("failed to mark run running", "error", err)
			}
		}
	}
	_ = eg.Wait()

	if st.aborted.Load() || stopped {
		c.cleanup(st.id)
		return nil
	}
	if c.ctx.Err() != nil && failed == nil && !g.Complete(completed) {
		l.Info("run interrupted, leaving it for recovery", "completed", len(completed))
		return nil
	}

	status, failedStage, msg := models.RunSucceeded, "", ""
	switch {
	case failed != nil:
		status, failedStage, msg = models.RunFailed, failed.Name, failed.Error
	case !g.Complete(completed):
		status, msg = models.RunFailed, "no stage is ready but the graph is incomplete"
	}

	if _, err := c.db.FinishRun(wctx, st.id, status, failedStage, msg, c.n); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	l.Info("run finished", "status", status, "failed_stage", failedStage)
	if status != models.RunFailed {
		// failed runs keep their workspace until they are resumed
		c.cleanup(st.id)
	}
	return nil
}

func anyCheckoutDone(g *graph.Graph, completed map[string]bool) bool {
	for name := range completed {
		if def, ok := g.Stage(name); ok && def.Action == models.ActionCheckout {
			return true
		}
	}
	return false
}

// adoptWorkspace moves the workspace of a failed run to the run resuming
// it, so outputs of carried over stages are where later stages expect them.
func (c *Coordinator) adoptWorkspace(from, id int64) {
	if c.opts.WorkspaceDir == "" {
		return
	}
	dst := c.workspace(id)
	if _, err := os.Stat(dst); err == nil {
		return
	}
	err := os.Rename(c.workspace(from), dst)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.l.Warn("failed run left no workspace, carried over stages start from an empty one", "run", id, "resumed_from", from)
	case err != nil:
		c.l.Warn("failed to take over workspace", "run", id, "resumed_from", from, "error", err)
	}
}

func (c *Coordinator) cleanup(id int64) {
	if c.opts.WorkspaceDir == "" {
		return
	}
	if err := os.RemoveAll(c.workspace(id)); err != nil {
		c.l.Warn("failed to remove workspace", "run", id, "error", err)
	}
}
