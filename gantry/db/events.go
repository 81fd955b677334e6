package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/notifier"
)

type EventKind string

const (
	EventRunStatus EventKind = "run.status"
	EventStage     EventKind = "run.stage"
)

type Event struct {
	Id        int64     `json:"id"`
	RunId     int64     `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Created   int64     `json:"created"`
	EventJson string    `json:"event"`
}

// StatusEvent is the payload of a run.status or run.stage event.
type StatusEvent struct {
	Run         int64                `json:"run"`
	Pipeline    string               `json:"pipeline"`
	Status      models.RunStatus     `json:"status,omitempty"`
	Stage       string               `json:"stage,omitempty"`
	StageStatus models.StageStatus   `json:"stage_status,omitempty"`
	Reason      models.FailureReason `json:"reason,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   string               `json:"created_at"`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, e execer, kind EventKind, s StatusEvent) error {
	now := time.Now()
	s.CreatedAt = now.UTC().Format(time.RFC3339)

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = e.ExecContext(ctx,
		`insert into events (run_id, kind, event, created) values (?, ?, ?, ?)`,
		s.Run,
		kind,
		string(eventJson),
		now.UnixNano(),
	)
	return err
}

func (d *DB) InsertEvent(ctx context.Context, kind EventKind, s StatusEvent, n *notifier.Notifier) error {
	if err := insertEvent(ctx, d, kind, s); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

// GetEvents returns up to 100 events with an id above cursor, oldest first.
func (d *DB) GetEvents(ctx context.Context, cursor int64) ([]Event, error) {
	rows, err := d.QueryContext(ctx, `
		select id, run_id, kind, event, created
		from events
		where id > ?
		order by id asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Id, &ev.RunId, &ev.Kind, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}
