package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/notifier"
)

const runColumns = `id, pipeline, revision, status, error, failed_stage, resumed_from, owner, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (models.PipelineRun, error) {
	var r models.PipelineRun
	var createdAt, startedAt, finishedAt string
	err := s.Scan(&r.Id, &r.Pipeline, &r.Revision, &r.Status, &r.Error, &r.FailedStage, &r.ResumedFrom, &r.Owner, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	return r, nil
}

// CreateRun inserts a pending run owned by owner and emits its first
// status event.
func (d *DB) CreateRun(ctx context.Context, pipeline, revision, owner string, n *notifier.Notifier) (models.PipelineRun, error) {
	now := time.Now().UTC()
	run := models.PipelineRun{
		Pipeline:  pipeline,
		Revision:  revision,
		Status:    models.RunPending,
		Owner:     owner,
		CreatedAt: now,
	}

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			insert into runs (pipeline, revision, status, owner, heartbeat_at, created_at)
			values (?, ?, ?, ?, ?, ?)
		`, pipeline, revision, models.RunPending, owner, now.UnixNano(), formatTime(now))
		if err != nil {
			return err
		}
		run.Id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, EventRunStatus, StatusEvent{Run: run.Id, Pipeline: pipeline, Status: models.RunPending})
	})
	if err != nil {
		return run, fmt.Errorf("creating run: %w", err)
	}

	n.NotifyAll()
	return run, nil
}

// CreateResumedRun creates a pending run that continues the failed run from.
// The succeeded stage results of from, and the artifacts and manifest
// updates they produced, are copied so the new run only executes what did
// not succeed. A run can be resumed once, unless that resume was aborted
// before it started.
func (d *DB) CreateResumedRun(ctx context.Context, from int64, owner string, n *notifier.Notifier) (models.PipelineRun, error) {
	now := time.Now().UTC()
	run := models.PipelineRun{
		Status:      models.RunPending,
		Owner:       owner,
		ResumedFrom: from,
		CreatedAt:   now,
	}

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var status models.RunStatus
		err := tx.QueryRowContext(ctx, `select pipeline, revision, status from runs where id = ?`, from).
			Scan(&run.Pipeline, &run.Revision, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrRunNotFound, from)
		}
		if err != nil {
			return err
		}
		if status != models.RunFailed {
			return fmt.Errorf("%w: %d is %s", ErrRunNotResumable, from, status)
		}

		// a resume aborted before it started, e.g. on a full queue, does not count
		var next int64
		err = tx.QueryRowContext(ctx, `
			select id from runs
			where resumed_from = ? and not (status = ? and started_at = '')
			limit 1
		`, from, models.RunAborted).Scan(&next)
		if err == nil {
			return fmt.Errorf("%w: %d was resumed by %d", ErrRunNotResumable, from, next)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			insert into runs (pipeline, revision, status, resumed_from, owner, heartbeat_at, created_at)
			values (?, ?, ?, ?, ?, ?, ?)
		`, run.Pipeline, run.Revision, models.RunPending, from, owner, now.UnixNano(), formatTime(now))
		if err != nil {
			return err
		}
		run.Id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		// artifacts and manifest updates only exist for succeeded stages
		copies := []string{`
			insert into stage_results (
				run_id, name, status, exit_code, reason, error, log_path,
				attempts, started_at, finished_at
			)
			select ?, name, status, exit_code, reason, error, log_path,
				attempts, started_at, finished_at
			from stage_results
			where run_id = ? and status = '` + string(models.StageSucceeded) + `'
			order by id asc
		`, `
			insert into artifacts (run_id, stage, repository, digest, tag, created_at)
			select ?, stage, repository, digest, tag, created_at
			from artifacts
			where run_id = ?
			order by id asc
		`, `
			insert into manifest_updates (run_id, stage, path, old_value, new_value, commit_hash, created_at)
			select ?, stage, path, old_value, new_value, commit_hash, created_at
			from manifest_updates
			where run_id = ?
			order by id asc
		`}
		for _, q := range copies {
			if _, err := tx.ExecContext(ctx, q, run.Id, from); err != nil {
				return fmt.Errorf("copying results of run %d: %w", from, err)
			}
		}

		return insertEvent(ctx, tx, EventRunStatus, StatusEvent{Run: run.Id, Pipeline: run.Pipeline, Status: models.RunPending})
	})
	if err != nil {
		return run, fmt.Errorf("resuming run: %w", err)
	}

	n.NotifyAll()
	return run, nil
}

// MarkRunRunning moves a pending run to running. It reports false when the
// run was not pending.
func (d *DB) MarkRunRunning(ctx context.Context, id int64, n *notifier.Notifier) (bool, error) {
	var changed bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var pipeline string
		err := tx.QueryRowContext(ctx, `
			update runs set status = ?, started_at = ?
			where id = ? and status = ?
			returning pipeline
		`, models.RunRunning, formatTime(time.Now()), id, models.RunPending).Scan(&pipeline)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		return insertEvent(ctx, tx, EventRunStatus, StatusEvent{Run: id, Pipeline: pipeline, Status: models.RunRunning})
	})
	if err != nil {
		return false, err
	}
	if changed {
		n.NotifyAll()
	}
	return changed, nil
}

// FinishRun moves an active run to a terminal status. It reports false,
// without writing anything, when the run is already terminal.
func (d *DB) FinishRun(ctx context.Context, id int64, status models.RunStatus, failedStage, errMsg string, n *notifier.Notifier) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%s is not a terminal status", status)
	}

	var changed bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var pipeline string
		err := tx.QueryRowContext(ctx, `
			update runs
			set status = ?, failed_stage = ?, error = ?, finished_at = ?
			where id = ? and status in (?, ?)
			returning pipeline
		`, status, failedStage, errMsg, formatTime(time.Now()), id, models.RunPending, models.RunRunning).Scan(&pipeline)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		return insertEvent(ctx, tx, EventRunStatus, StatusEvent{
			Run:      id,
			Pipeline: pipeline,
			Status:   status,
			Stage:    failedStage,
			Error:    errMsg,
		})
	})
	if err != nil {
		return false, err
	}
	if changed {
		n.NotifyAll()
	}
	return changed, nil
}

// Heartbeat refreshes the liveness timestamp of every active run owned by
// owner.
func (d *DB) Heartbeat(ctx context.Context, owner string) error {
	_, err := d.ExecContext(ctx, `
		update runs set heartbeat_at = ?
		where owner = ? and status in (?, ?)
	`, time.Now().UnixNano(), owner, models.RunPending, models.RunRunning)
	return err
}

// ClaimRun makes owner the driver of an active run, if the run is already
// owner's or its current owner has been silent since staleBefore.
func (d *DB) ClaimRun(ctx context.Context, id int64, owner string, staleBefore time.Time) (bool, error) {
	res, err := d.ExecContext(ctx, `
		update runs set owner = ?, heartbeat_at = ?
		where id = ?
			and status in (?, ?)
			and (owner = ? or heartbeat_at < ?)
	`, owner, time.Now().UnixNano(), id, models.RunPending, models.RunRunning, owner, staleBefore.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ActiveRuns lists pending and running runs in trigger order, without
// their stage results.
func (d *DB) ActiveRuns(ctx context.Context) ([]models.PipelineRun, error) {
	rows, err := d.QueryContext(ctx, `
		select `+runColumns+` from runs
		where status in (?, ?)
		order by id asc
	`, models.RunPending, models.RunRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its stage results in the order they finished.
func (d *DB) GetRun(ctx context.Context, id int64) (models.PipelineRun, error) {
	r, err := scanRun(d.QueryRowContext(ctx, `select `+runColumns+` from runs where id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return r, err
	}

	r.Stages, err = d.StageResults(ctx, id)
	if err != nil {
		return r, err
	}
	return r, nil
}

// ListRuns returns the latest runs of a pipeline, newest first. An empty
// pipeline lists every pipeline.
func (d *DB) ListRuns(ctx context.Context, pipeline string, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `select ` + runColumns + ` from runs`
	args := []any{}
	if pipeline != "" {
		query += ` where pipeline = ?`
		args = append(args, pipeline)
	}
	query += ` order by id desc limit ?`
	args = append(args, limit)

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.PipelineRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
