package models

import (
	"fmt"
	"regexp"
	"time"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAborted:
		return true
	}
	return false
}

func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

// PipelineRun is one execution attempt of a pipeline's stage graph. Only the
// coordinator mutates its status; once terminal it is never written again.
type PipelineRun struct {
	Id          int64     `json:"id"`
	Pipeline    string    `json:"pipeline"`
	Revision    string    `json:"revision"`
	Status      RunStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	FailedStage string    `json:"failed_stage,omitempty"`
	ResumedFrom int64     `json:"resumed_from,omitempty"`
	Owner       string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`

	Stages []StageResult `json:"stages"`
}

// Completed returns the names of stages whose results are succeeded.
func (r *PipelineRun) Completed() map[string]bool {
	done := make(map[string]bool, len(r.Stages))
	for _, s := range r.Stages {
		if s.Status == StageSucceeded {
			done[s.Name] = true
		}
	}
	return done
}

// StageKey identifies a stage log and its result within one run.
type StageKey struct {
	RunId int64
	Stage string
}

func (k StageKey) String() string {
	return fmt.Sprintf("%d-%s", k.RunId, normalize(k.Stage))
}

func normalize(name string) string {
	return re.ReplaceAllString(name, "-")
}
