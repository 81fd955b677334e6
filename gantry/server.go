package gantry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/gantry/gantry/config"
	"tangled.sh/tangled.sh/gantry/gantry/coordinator"
	"tangled.sh/tangled.sh/gantry/gantry/graph"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/secrets"
	"tangled.sh/tangled.sh/gantry/log"
)

// Serve loads pipelines, resumes abandoned runs and serves the API until
// ctx is done.
func Serve(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pipelines, err := graph.Load(cfg.Pipelines.Dir)
	if err != nil {
		return fmt.Errorf("failed to load pipelines: %w", err)
	}
	logger.Info("loaded pipelines", "dir", cfg.Pipelines.Dir, "pipelines", graph.Names(pipelines))

	g, err := Make(ctx, cfg, pipelines)
	if err != nil {
		return err
	}
	defer g.Close()

	if err := g.c.Start(ctx); err != nil {
		return err
	}
	defer g.c.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: g.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting gantry server", "address", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (g *Gantry) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(g.RequestLogger)

	mux.Get("/pipelines", g.ListPipelines)
	mux.Route("/pipelines/{pipeline}/runs", func(r chi.Router) {
		r.Get("/", g.ListRuns)
		r.Post("/", g.TriggerRun)
	})
	mux.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", g.GetRun)
		r.Post("/abort", g.AbortRun)
		r.Post("/resume", g.ResumeRun)
		r.Get("/stages/{stage}/log", g.StageLog)
	})
	mux.Route("/secrets/{scope}", func(r chi.Router) {
		r.Get("/", g.ListSecrets)
		r.Post("/", g.AddSecret)
		r.Delete("/{key}", g.RemoveSecret)
	})

	mux.HandleFunc("/events", g.Events)
	mux.HandleFunc("/logs/{id}/{stage}", g.Logs)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func runId(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (g *Gantry) ListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"pipelines": g.c.Pipelines()})
}

type triggerRequest struct {
	Revision string `json:"revision"`
}

func (g *Gantry) TriggerRun(w http.ResponseWriter, r *http.Request) {
	l := g.l.With("handler", "TriggerRun")
	pipeline := chi.URLParam(r, "pipeline")

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := g.c.Trigger(r.Context(), pipeline, req.Revision)
	switch {
	case errors.Is(err, coordinator.ErrUnknownPipeline):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, coordinator.ErrMissingRevision):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, coordinator.ErrQueueFull):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		l.Error("failed to trigger run", "pipeline", pipeline, "error", err)
		writeError(w, "failed to trigger run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})
}

func (g *Gantry) ListRuns(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")
	if _, ok := g.c.Pipeline(pipeline); !ok {
		writeError(w, "unknown pipeline", http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := g.db.ListRuns(r.Context(), pipeline, limit)
	if err != nil {
		g.l.Error("failed to list runs", "pipeline", pipeline, "error", err)
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runResponse struct {
	models.PipelineRun
	Artifacts       map[string]models.ArtifactReference `json:"artifacts"`
	ManifestUpdates []models.ManifestUpdate             `json:"manifest_updates"`
}

func (g *Gantry) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runId(r)
	if !ok {
		writeError(w, "invalid run id", http.StatusBadRequest)
		return
	}

	run, err := g.c.Status(r.Context(), id)
	if errors.Is(err, coordinator.ErrRunNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.l.Error("failed to get run", "run", id, "error", err)
		writeError(w, "failed to get run", http.StatusInternalServerError)
		return
	}

	resp := runResponse{PipelineRun: run}
	if resp.Artifacts, err = g.db.Artifacts(r.Context(), id); err == nil {
		resp.ManifestUpdates, err = g.db.ManifestUpdates(r.Context(), id)
	}
	if err != nil {
		g.l.Error("failed to get run outputs", "run", id, "error", err)
		writeError(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gantry) AbortRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runId(r)
	if !ok {
		writeError(w, "invalid run id", http.StatusBadRequest)
		return
	}

	err := g.c.Abort(r.Context(), id)
	switch {
	case errors.Is(err, coordinator.ErrRunNotFound):
		writeError(w, "run not found", http.StatusNotFound)
	case errors.Is(err, coordinator.ErrRunTerminal):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		g.l.Error("failed to abort run", "run", id, "error", err)
		writeError(w, "failed to abort run", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// ResumeRun queues a new run continuing a failed one, without the stages
// that already succeeded.
func (g *Gantry) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runId(r)
	if !ok {
		writeError(w, "invalid run id", http.StatusBadRequest)
		return
	}

	next, err := g.c.Resume(r.Context(), id)
	switch {
	case errors.Is(err, coordinator.ErrRunNotFound):
		writeError(w, "run not found", http.StatusNotFound)
	case errors.Is(err, coordinator.ErrRunNotResumable), errors.Is(err, coordinator.ErrUnknownPipeline):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, coordinator.ErrQueueFull):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		g.l.Error("failed to resume run", "run", id, "error", err)
		writeError(w, "failed to resume run", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]int64{"id": next})
	}
}

// StageLog returns the raw JSON lines log of a stage.
func (g *Gantry) StageLog(w http.ResponseWriter, r *http.Request) {
	id, ok := runId(r)
	if !ok {
		writeError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	stage := chi.URLParam(r, "stage")

	run, err := g.c.Status(r.Context(), id)
	if errors.Is(err, coordinator.ErrRunNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.l.Error("failed to get run", "run", id, "error", err)
		writeError(w, "failed to read log", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(g.logPath(run, stage))
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, "no log for this stage", http.StatusNotFound)
		return
	}
	if err != nil {
		g.l.Error("failed to open stage log", "run", id, "stage", stage, "error", err)
		writeError(w, "failed to read log", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	http.ServeContent(w, r, "", time.Time{}, f)
}

// logPath is where the stage's log lives. Stages carried over by a resumed
// run keep the log of the run that executed them.
func (g *Gantry) logPath(run models.PipelineRun, stage string) string {
	for _, s := range run.Stages {
		if s.Name == stage && s.LogPath != "" {
			return s.LogPath
		}
	}
	return models.LogFilePath(g.logDir, models.StageKey{RunId: run.Id, Stage: stage})
}

type secretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	By    string `json:"created_by"`
}

type secretResponse struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

func (g *Gantry) ListSecrets(w http.ResponseWriter, r *http.Request) {
	scope := secrets.Scope(chi.URLParam(r, "scope"))
	ls, err := g.sm.GetSecretsLocked(r.Context(), scope)
	if err != nil {
		g.l.Error("failed to list secrets", "scope", scope, "error", err)
		writeError(w, "failed to list secrets", http.StatusInternalServerError)
		return
	}

	out := make([]secretResponse, 0, len(ls))
	for _, s := range ls {
		out = append(out, secretResponse{Key: s.Key, CreatedAt: s.CreatedAt, CreatedBy: s.CreatedBy})
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": out})
}

func (g *Gantry) AddSecret(w http.ResponseWriter, r *http.Request) {
	scope := secrets.Scope(chi.URLParam(r, "scope"))

	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.By == "" {
		req.By = "api"
	}

	err := g.sm.AddSecret(r.Context(), secrets.UnlockedSecret{
		Key:       req.Key,
		Value:     req.Value,
		Scope:     scope,
		CreatedBy: req.By,
	})
	switch {
	case errors.Is(err, secrets.ErrInvalidKeyIdent):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, secrets.ErrKeyAlreadyPresent):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		// the value is never logged
		g.l.Error("failed to add secret", "scope", scope, "key", req.Key, "error", err)
		writeError(w, "failed to add secret", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

func (g *Gantry) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	scope := secrets.Scope(chi.URLParam(r, "scope"))
	key := chi.URLParam(r, "key")

	err := g.sm.RemoveSecret(r.Context(), secrets.Secret[any]{Key: key, Scope: scope})
	switch {
	case errors.Is(err, secrets.ErrKeyNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case err != nil:
		g.l.Error("failed to remove secret", "scope", scope, "key", key, "error", err)
		writeError(w, "failed to remove secret", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
