package models

import (
	"time"
)

type ActionKind string

const (
	ActionShell          ActionKind = "shell"
	ActionContainer      ActionKind = "container"
	ActionCheckout       ActionKind = "checkout"
	ActionPublish        ActionKind = "publish"
	ActionUpdateManifest ActionKind = "update-manifest"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionShell, ActionContainer, ActionCheckout, ActionPublish, ActionUpdateManifest:
		return true
	}
	return false
}

// StageDefinition is static configuration, loaded once with the graph.
type StageDefinition struct {
	Name    string
	Action  ActionKind
	Command string
	Image   string
	Timeout time.Duration
	// number of retries after the first attempt, transient failures only
	Retries int
	Needs   []string
	// exit codes of shell/container actions that count as transient
	RetryOn []int
	Env     map[string]string
	// credential keys the stage requires at execution time
	Secrets []string
	With    map[string]string
}

func (d StageDefinition) Param(key string) string {
	if d.With == nil {
		return ""
	}
	return d.With[key]
}

type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageAborted   StageStatus = "aborted"
)

type FailureReason string

const (
	ReasonNone      FailureReason = ""
	ReasonTimeout   FailureReason = "timeout"
	ReasonTransient FailureReason = "transient"
	ReasonPermanent FailureReason = "permanent"
	ReasonAborted   FailureReason = "aborted"
	ReasonConfig    FailureReason = "config"
)

// StageResult is owned by the run that produced it and is written once.
type StageResult struct {
	Name       string        `json:"name"`
	Status     StageStatus   `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Reason     FailureReason `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	LogPath    string        `json:"log_path"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func (r StageResult) Succeeded() bool {
	return r.Status == StageSucceeded
}
