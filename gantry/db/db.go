package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrStageRecorded = errors.New("stage result already recorded")
	ErrRunTerminal   = errors.New("run is already terminal")
	// only failed runs that were not resumed before can be resumed
	ErrRunNotResumable = errors.New("run cannot be resumed")
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// NOTE: every migration goes through this single Exec; if they ever
	// need ordering guarantees, run them on one sql.Conn.
	_, err = db.Exec(`
		create table if not exists runs (
			id integer primary key autoincrement,
			pipeline text not null,
			revision text not null,
			status text not null default 'pending',
			error text not null default '',
			failed_stage text not null default '',
			-- the failed run whose succeeded stages this run carries over
			resumed_from integer not null default 0,

			-- crash recovery: which instance drives the run, and when it
			-- last said so (unix nanos)
			owner text not null default '',
			heartbeat_at integer not null default 0,

			created_at text not null,
			started_at text not null default '',
			finished_at text not null default ''
		);
		create index if not exists runs_pipeline_status on runs(pipeline, status);

		create table if not exists stage_results (
			id integer primary key autoincrement,
			run_id integer not null references runs(id),
			name text not null,
			status text not null,
			exit_code integer not null,
			reason text not null default '',
			error text not null default '',
			log_path text not null default '',
			attempts integer not null,
			started_at text not null,
			finished_at text not null,

			unique(run_id, name)
		);

		create table if not exists artifacts (
			id integer primary key autoincrement,
			run_id integer not null references runs(id),
			stage text not null,
			repository text not null,
			digest text not null,
			tag text not null default '',
			created_at text not null,

			unique(run_id, stage)
		);

		create table if not exists manifest_updates (
			id integer primary key autoincrement,
			run_id integer not null references runs(id),
			stage text not null,
			path text not null,
			old_value text not null,
			new_value text not null,
			commit_hash text not null,
			created_at text not null,

			unique(run_id, stage)
		);

		-- append-only status events, streamed to /events
		create table if not exists events (
			id integer primary key autoincrement,
			run_id integer not null,
			kind text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// withTx runs fn in a transaction, committing when it returns nil.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
