package graph

import (
	"errors"
	"fmt"
)

var (
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrUnknownPredecessor = errors.New("unknown predecessor")
	ErrDuplicateStage     = errors.New("duplicate stage")
	ErrInvalidStage       = errors.New("invalid stage")
	ErrInvalidPipeline    = errors.New("invalid pipeline")
)

// ConfigurationError is returned for any malformed definition. It is always
// raised at load time, before a run can start.
type ConfigurationError struct {
	Pipeline string
	Stage    string
	Err      error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Pipeline != "" && e.Stage != "":
		return fmt.Sprintf("pipeline %q: stage %q: %v", e.Pipeline, e.Stage, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
	case e.Pipeline != "":
		return fmt.Sprintf("pipeline %q: %v", e.Pipeline, e.Err)
	}
	return e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error, format string, args ...any) *ConfigurationError {
	if format != "" {
		err = fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
	}
	return &ConfigurationError{Stage: stage, Err: err}
}
