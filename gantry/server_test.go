package gantry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/gantry/gantry/config"
	"tangled.sh/tangled.sh/gantry/gantry/coordinator"
	"tangled.sh/tangled.sh/gantry/gantry/db"
	"tangled.sh/tangled.sh/gantry/gantry/executor"
	"tangled.sh/tangled.sh/gantry/gantry/graph"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/secrets"
	"tangled.sh/tangled.sh/gantry/log"
	"tangled.sh/tangled.sh/gantry/notifier"
)

const pipelineYAML = `
name: hello-flask
stages:
  - name: test
    action: shell
    command: pytest
  - name: build
    action: shell
    command: make image
    needs: [test]
`

type testServer struct {
	g   *Gantry
	srv *httptest.Server
}

func newTestServer(t *testing.T, block <-chan struct{}) *testServer {
	t.Helper()
	dir := t.TempDir()

	p, err := graph.FromFile("hello-flask.yml", []byte(pipelineYAML))
	require.NoError(t, err)

	d, err := db.Make(filepath.Join(dir, "gantry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	sm, err := secrets.NewSQLiteManager(filepath.Join(dir, "gantry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	logDir := filepath.Join(dir, "logs")
	exec := executor.New(logDir, sm,
		executor.WithLogger(log.Discard()),
		executor.WithAction(models.ActionShell, executor.ActionFunc(func(ctx context.Context, step *executor.Step) (*executor.Output, error) {
			fmt.Fprintf(step.Stdout, "running %s for %s\n", step.Def.Command, step.Run.Revision)
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, nil
		})),
	)

	n := notifier.New()
	c, err := coordinator.New(d, n, exec, map[string]*graph.Pipeline{p.Name: p}, coordinator.Options{
		Workers:      2,
		AbortGrace:   10 * time.Millisecond,
		ResumeAfter:  time.Hour,
		WorkspaceDir: filepath.Join(dir, "workspaces"),
	}, log.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	g := &Gantry{
		cfg:    &config.Config{},
		db:     d,
		n:      n,
		sm:     sm,
		c:      c,
		logDir: logDir,
		l:      log.Discard(),
	}
	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)

	return &testServer{g: g, srv: srv}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (s *testServer) trigger(t *testing.T, revision string) int64 {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/pipelines/hello-flask/runs", fmt.Sprintf(`{"revision": %q}`, revision))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out struct {
		Id int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotZero(t, out.Id)
	return out.Id
}

func (s *testServer) waitRun(t *testing.T, id int64) models.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := s.g.c.Wait(ctx, id)
	require.NoError(t, err)
	return run
}

func TestTriggerAndStatus(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.trigger(t, "abc123")
	s.waitRun(t, id)

	resp, body := s.do(t, http.MethodGet, fmt.Sprintf("/runs/%d", id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run runResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, "abc123", run.Revision)
	require.Len(t, run.Stages, 2)
	assert.Equal(t, "test", run.Stages[0].Name)
	assert.Equal(t, "build", run.Stages[1].Name)
	assert.Empty(t, run.Artifacts)
	assert.Empty(t, run.ManifestUpdates)

	resp, body = s.do(t, http.MethodGet, "/pipelines/hello-flask/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"revision":"abc123"`)
}

func TestTriggerErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown pipeline", http.MethodPost, "/pipelines/nope/runs", `{"revision":"a"}`, http.StatusNotFound},
		{"missing revision", http.MethodPost, "/pipelines/hello-flask/runs", `{}`, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/pipelines/hello-flask/runs", `{`, http.StatusBadRequest},
		{"bad run id", http.MethodGet, "/runs/abc", "", http.StatusBadRequest},
		{"missing run", http.MethodGet, "/runs/999", "", http.StatusNotFound},
		{"abort missing run", http.MethodPost, "/runs/999/abort", "", http.StatusNotFound},
		{"runs of unknown pipeline", http.MethodGet, "/pipelines/nope/runs", "", http.StatusNotFound},
		{"missing log", http.MethodGet, "/runs/999/stages/test/log", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestListPipelines(t *testing.T) {
	s := newTestServer(t, nil)
	resp, body := s.do(t, http.MethodGet, "/pipelines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pipelines":["hello-flask"]}`, string(body))
}

func TestAbortRun(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := newTestServer(t, block)

	id := s.trigger(t, "abc123")
	require.Eventually(t, func() bool {
		run, err := s.g.c.Status(context.Background(), id)
		return err == nil && run.Status == models.RunRunning
	}, 5*time.Second, 5*time.Millisecond)

	resp, _ := s.do(t, http.MethodPost, fmt.Sprintf("/runs/%d/abort", id), "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	run := s.waitRun(t, id)
	assert.Equal(t, models.RunAborted, run.Status)

	resp, _ = s.do(t, http.MethodPost, fmt.Sprintf("/runs/%d/abort", id), "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStageLog(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.trigger(t, "abc123")
	s.waitRun(t, id)

	resp, body := s.do(t, http.MethodGet, fmt.Sprintf("/runs/%d/stages/test/log", id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines, err := models.ReadLog(bytes.NewReader(body))
	require.NoError(t, err)
	var data []string
	for _, l := range lines {
		if l.Kind == models.LogKindData {
			data = append(data, l.Content)
		}
	}
	assert.Equal(t, []string{"running pytest for abc123"}, data)
}

func TestSecrets(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.do(t, http.MethodPost, "/secrets/hello-flask", `{"key":"REGISTRY_PASSWORD","value":"hunter2"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/secrets/hello-flask", `{"key":"REGISTRY_PASSWORD","value":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/secrets/hello-flask", `{"key":"not-valid","value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/secrets/hello-flask", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "REGISTRY_PASSWORD")
	assert.NotContains(t, string(body), "hunter2")

	resp, _ = s.do(t, http.MethodDelete, "/secrets/hello-flask/REGISTRY_PASSWORD", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/secrets/hello-flask/REGISTRY_PASSWORD", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dial(t *testing.T, s *testServer, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventsBackfillThenLive(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.trigger(t, "r1")
	s.waitRun(t, first)

	conn := dial(t, s, "/events")
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	read := func() (db.Event, db.StatusEvent) {
		var ev db.Event
		require.NoError(t, conn.ReadJSON(&ev))
		var se db.StatusEvent
		require.NoError(t, json.Unmarshal([]byte(ev.EventJson), &se))
		return ev, se
	}

	// pending, running, test, build, succeeded
	var last db.StatusEvent
	for range 5 {
		_, last = read()
		assert.Equal(t, first, last.Run)
	}
	assert.Equal(t, models.RunSucceeded, last.Status)

	second := s.trigger(t, "r2")
	_, se := read()
	assert.Equal(t, second, se.Run)
	assert.Equal(t, models.RunPending, se.Status)
}

func TestLogsFollow(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.trigger(t, "abc123")
	s.waitRun(t, id)

	conn := dial(t, s, fmt.Sprintf("/logs/%d/build", id))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var got []models.LogLine
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var l models.LogLine
		require.NoError(t, json.Unmarshal(msg, &l))
		got = append(got, l)
	}

	require.NotEmpty(t, got)
	assert.Equal(t, models.ControlAttempt, got[0].Event)
	assert.Equal(t, models.ControlEnd, got[len(got)-1].Event)
}

// writeLog writes lines as a stage logger would.
func writeLog(t *testing.T, path string, lines ...models.LogLine) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, l := range lines {
		require.NoError(t, enc.Encode(l))
	}
}

func TestResumeRun(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	// build failed after test succeeded, on another instance
	failed, err := s.g.db.CreateRun(ctx, "hello-flask", "abc123", "other-owner", nil)
	require.NoError(t, err)
	_, err = s.g.db.MarkRunRunning(ctx, failed.Id, nil)
	require.NoError(t, err)
	testLog := models.LogFilePath(s.g.logDir, models.StageKey{RunId: failed.Id, Stage: "test"})
	now := time.Now().UTC()
	writeLog(t, testLog,
		models.LogLine{Kind: models.LogKindControl, Time: now, Event: models.ControlAttempt, Attempt: 1},
		models.LogLine{Kind: models.LogKindData, Time: now, Stream: "stdout", Content: "3 passed"},
		models.LogLine{Kind: models.LogKindControl, Time: now, Event: models.ControlEnd, Content: "succeeded"},
	)
	require.NoError(t, s.g.db.InsertStageResult(ctx, failed.Id, models.StageResult{
		Name: "test", Status: models.StageSucceeded, Attempts: 1, LogPath: testLog, StartedAt: now, FinishedAt: now,
	}, nil, nil, nil))
	_, err = s.g.db.FinishRun(ctx, failed.Id, models.RunFailed, "build", "make: *** [image] Error 2", nil)
	require.NoError(t, err)

	resp, body := s.do(t, http.MethodPost, fmt.Sprintf("/runs/%d/resume", failed.Id), "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out struct {
		Id int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEqual(t, failed.Id, out.Id)

	run := s.waitRun(t, out.Id)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, failed.Id, run.ResumedFrom)
	require.Len(t, run.Stages, 2)

	// the carried over stage keeps the log of the run that executed it
	resp, body = s.do(t, http.MethodGet, fmt.Sprintf("/runs/%d/stages/test/log", out.Id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "3 passed")
	resp, body = s.do(t, http.MethodGet, fmt.Sprintf("/runs/%d/stages/build/log", out.Id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "running make image for abc123")

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"resumed twice", fmt.Sprintf("/runs/%d/resume", failed.Id), http.StatusConflict},
		{"succeeded run", fmt.Sprintf("/runs/%d/resume", out.Id), http.StatusConflict},
		{"missing run", "/runs/999/resume", http.StatusNotFound},
		{"bad run id", "/runs/abc/resume", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, tt.path, "")
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestLogsFollowSkipsEarlierExecutions(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	// owned by a live instance, so nothing here drives it
	run, err := s.g.db.CreateRun(ctx, "hello-flask", "abc123", "other-owner", nil)
	require.NoError(t, err)

	t0 := time.Now().UTC().Add(-time.Minute)
	t1 := t0.Add(10 * time.Second)
	t2 := t1.Add(10 * time.Second)
	path := models.LogFilePath(s.g.logDir, models.StageKey{RunId: run.Id, Stage: "test"})
	writeLog(t, path,
		// cut short by a shutdown, then executed again
		models.LogLine{Kind: models.LogKindControl, Time: t0, Event: models.ControlAttempt, Attempt: 1},
		models.LogLine{Kind: models.LogKindControl, Time: t0, Event: models.ControlEnd, Content: "aborted"},
		models.LogLine{Kind: models.LogKindControl, Time: t1, Event: models.ControlAttempt, Attempt: 1},
		models.LogLine{Kind: models.LogKindData, Time: t1, Stream: "stdout", Content: "3 passed"},
		models.LogLine{Kind: models.LogKindControl, Time: t2, Event: models.ControlEnd, Content: "succeeded"},
	)
	require.NoError(t, s.g.db.InsertStageResult(ctx, run.Id, models.StageResult{
		Name: "test", Status: models.StageSucceeded, Attempts: 1, LogPath: path, StartedAt: t1, FinishedAt: t2,
	}, nil, nil, nil))

	conn := dial(t, s, fmt.Sprintf("/logs/%d/test", run.Id))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var got []models.LogLine
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var l models.LogLine
		require.NoError(t, json.Unmarshal(msg, &l))
		got = append(got, l)
	}

	require.Len(t, got, 5, "the stale end line does not close the stream")
	assert.Equal(t, "3 passed", got[3].Content)
	assert.Equal(t, "succeeded", got[4].Content)
}
