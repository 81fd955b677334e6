package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/notifier"
)

// InsertStageResult records a stage result together with what the stage
// produced. The artifact and manifest update are only stored for a succeeded
// result, so a failed stage never leaves a reference behind. A second result
// for the same stage of a run returns ErrStageRecorded.
func (d *DB) InsertStageResult(ctx context.Context, runId int64, res models.StageResult, artifact *models.ArtifactReference, update *models.ManifestUpdate, n *notifier.Notifier) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var pipeline string
		var status models.RunStatus
		err := tx.QueryRowContext(ctx, `select pipeline, status from runs where id = ?`, runId).Scan(&pipeline, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrRunNotFound, runId)
		}
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return fmt.Errorf("%w: %d is %s", ErrRunTerminal, runId, status)
		}

		_, err = tx.ExecContext(ctx, `
			insert into stage_results (
				run_id, name, status, exit_code, reason, error, log_path,
				attempts, started_at, finished_at
			) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runId, res.Name, res.Status, res.ExitCode, res.Reason, res.Error, res.LogPath,
			res.Attempts, formatTime(res.StartedAt), formatTime(res.FinishedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrStageRecorded, res.Name)
		}
		if err != nil {
			return err
		}

		if res.Succeeded() && artifact != nil && !artifact.IsZero() {
			created := artifact.CreatedAt
			if created.IsZero() {
				created = res.FinishedAt
			}
			_, err = tx.ExecContext(ctx, `
				insert into artifacts (run_id, stage, repository, digest, tag, created_at)
				values (?, ?, ?, ?, ?, ?)
			`, runId, res.Name, artifact.Repository, artifact.Digest, artifact.Tag, formatTime(created))
			if err != nil {
				return fmt.Errorf("recording artifact: %w", err)
			}
		}

		if res.Succeeded() && update != nil {
			created := update.CreatedAt
			if created.IsZero() {
				created = res.FinishedAt
			}
			_, err = tx.ExecContext(ctx, `
				insert into manifest_updates (run_id, stage, path, old_value, new_value, commit_hash, created_at)
				values (?, ?, ?, ?, ?, ?, ?)
			`, runId, res.Name, update.Path, update.OldValue, update.NewValue, update.Commit, formatTime(created))
			if err != nil {
				return fmt.Errorf("recording manifest update: %w", err)
			}
		}

		return insertEvent(ctx, tx, EventStage, StatusEvent{
			Run:         runId,
			Pipeline:    pipeline,
			Stage:       res.Name,
			StageStatus: res.Status,
			Reason:      res.Reason,
			Error:       res.Error,
		})
	})
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// StageResults returns the recorded results of a run in the order they were
// written.
func (d *DB) StageResults(ctx context.Context, runId int64) ([]models.StageResult, error) {
	rows, err := d.QueryContext(ctx, `
		select name, status, exit_code, reason, error, log_path, attempts, started_at, finished_at
		from stage_results
		where run_id = ?
		order by id asc
	`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.StageResult{}
	for rows.Next() {
		var r models.StageResult
		var startedAt, finishedAt string
		if err := rows.Scan(&r.Name, &r.Status, &r.ExitCode, &r.Reason, &r.Error, &r.LogPath, &r.Attempts, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTime(finishedAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Artifacts returns the artifacts published by a run, keyed by the stage
// that published them.
func (d *DB) Artifacts(ctx context.Context, runId int64) (map[string]models.ArtifactReference, error) {
	rows, err := d.QueryContext(ctx, `
		select stage, repository, digest, tag, created_at
		from artifacts
		where run_id = ?
		order by id asc
	`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.ArtifactReference)
	for rows.Next() {
		var a models.ArtifactReference
		var created string
		if err := rows.Scan(&a.Stage, &a.Repository, &a.Digest, &a.Tag, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out[a.Stage] = a
	}
	return out, rows.Err()
}

func (d *DB) ManifestUpdates(ctx context.Context, runId int64) ([]models.ManifestUpdate, error) {
	rows, err := d.QueryContext(ctx, `
		select stage, path, old_value, new_value, commit_hash, created_at
		from manifest_updates
		where run_id = ?
		order by id asc
	`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := []models.ManifestUpdate{}
	for rows.Next() {
		var u models.ManifestUpdate
		var created string
		if err := rows.Scan(&u.Stage, &u.Path, &u.OldValue, &u.NewValue, &u.Commit, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(created)
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// LatestArtifact returns the newest artifact a pipeline published, or
// false if it never published one.
func (d *DB) LatestArtifact(ctx context.Context, pipeline string) (models.ArtifactReference, bool, error) {
	var a models.ArtifactReference
	var created string
	err := d.QueryRowContext(ctx, `
		select a.stage, a.repository, a.digest, a.tag, a.created_at
		from artifacts a join runs r on r.id = a.run_id
		where r.pipeline = ?
		order by a.id desc
		limit 1
	`, pipeline).Scan(&a.Stage, &a.Repository, &a.Digest, &a.Tag, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	a.CreatedAt = parseTime(created)
	return a, true, nil
}
