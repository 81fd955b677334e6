package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrOOMKilled   = errors.New("oom killed")
	ErrTimedOut    = errors.New("timed out")
	ErrAborted     = errors.New("aborted")
	ErrStageFailed = errors.New("stage failed")
	ErrNoAction    = errors.New("no action registered")
)

// TransientError marks a failure worth retrying: network blips, registry
// throttling, a daemon that went away for a moment.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is never retried: test failures, bad credentials,
// missing files.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ExitError carries the exit status of a shell or container action.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// exitError returns a transient or permanent error for code depending on
// whether the stage lists it under retry_on.
func exitError(code int, retryOn []int) error {
	err := &ExitError{Code: code}
	for _, c := range retryOn {
		if c == code {
			return Transient(err)
		}
	}
	return Permanent(err)
}

// retryable is implemented by domain errors that know their own kind, such
// as publisher.PublishError.
type retryable interface {
	Retryable() bool
}

// IsTransient reports whether err should be retried. Explicit markers win;
// otherwise network level failures count as transient and everything else
// is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var p *PermanentError
	var t *TransientError
	switch {
	case errors.As(err, &p):
		return false
	case errors.As(err, &t):
		return true
	}

	if errors.Is(err, ErrTimedOut) || errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// exitCode extracts the exit status from err, or -1 when the failure did
// not come from a process.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}
