package gantry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/gantry/gantry/coordinator"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// readLoop cancels the returned context once the client goes away.
func readLoop(ctx context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}

// Events streams status events: everything after ?cursor= first, then live
// events as they are written.
func (g *Gantry) Events(w http.ResponseWriter, r *http.Request) {
	l := g.l.With("handler", "Events")

	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		if cursor, err = strconv.ParseInt(c, 10, 64); err != nil {
			writeError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("upgraded http to wss")

	ch := g.n.Subscribe()
	defer g.n.Unsubscribe(ch)

	ctx, cancel := readLoop(r.Context(), conn)
	defer cancel()

	// complete backfill first before going to live data
	l.Debug("going through backfill", "cursor", cursor)
	if err := g.streamEvents(ctx, conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Debug("stopping stream: client closed connection")
			return
		case <-ch:
			if err := g.streamEvents(ctx, conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (g *Gantry) streamEvents(ctx context.Context, conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := g.db.GetEvents(ctx, *cursor)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}
		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Id
		}
	}
}

// Logs follows a stage log while it is being written. The log is appended to
// by every execution of the stage, so the stream ends after the end line of
// the execution that produced the stage's recorded result, or once the run
// is terminal and the log has gone quiet.
func (g *Gantry) Logs(w http.ResponseWriter, r *http.Request) {
	l := g.l.With("handler", "Logs")

	id, ok := runId(r)
	if !ok {
		writeError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	stage := chi.URLParam(r, "stage")
	l = l.With("run", id, "stage", stage)

	run, err := g.c.Status(r.Context(), id)
	if errors.Is(err, coordinator.ErrRunNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		l.Error("failed to get run", "error", err)
		writeError(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	if p, ok := g.c.Pipeline(run.Pipeline); ok {
		if _, ok := p.Graph.Stage(stage); !ok {
			writeError(w, "unknown stage", http.StatusNotFound)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	t, err := tail.TailFile(g.logPath(run, stage), tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "error", err)
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	ch := g.n.Subscribe()
	defer g.n.Unsubscribe(ch)

	ctx, cancel := readLoop(r.Context(), conn)
	defer cancel()

	// armed once the run is terminal; fires when no line arrived for a while
	var quiet <-chan time.Time
	if run.Status.IsTerminal() {
		quiet = time.After(time.Second)
	}
	// time of the last end line seen, which may precede the stage result
	var lastEnd time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				l.Error("failed to read log", "error", line.Err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Debug("failed to write log line", "err", err)
				return
			}
			if at, ok := endedAt(line.Text); ok {
				lastEnd = at
				if g.stageEnded(ctx, id, stage, lastEnd) {
					closeNormally(conn)
					return
				}
			}
			if quiet != nil {
				quiet = time.After(time.Second)
			}
		case <-ch:
			if !lastEnd.IsZero() && g.stageEnded(ctx, id, stage, lastEnd) {
				closeNormally(conn)
				return
			}
			if quiet != nil {
				continue
			}
			run, err := g.c.Status(ctx, id)
			if err == nil && run.Status.IsTerminal() {
				quiet = time.After(time.Second)
			}
		case <-quiet:
			closeNormally(conn)
			return
		}
	}
}

func endedAt(text string) (time.Time, bool) {
	var ll models.LogLine
	if err := json.Unmarshal([]byte(text), &ll); err != nil {
		return time.Time{}, false
	}
	return ll.Time, ll.Kind == models.LogKindControl && ll.Event == models.ControlEnd
}

// stageEnded reports whether an end line written at endAt closes the
// execution that produced the stage's recorded result. End lines of an
// execution cut short by a shutdown precede the result of the rerun.
func (g *Gantry) stageEnded(ctx context.Context, id int64, stage string, endAt time.Time) bool {
	run, err := g.c.Status(ctx, id)
	if err != nil {
		return false
	}
	for _, s := range run.Stages {
		if s.Name == stage {
			return !endAt.Before(s.StartedAt)
		}
	}
	return false
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
