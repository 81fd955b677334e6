package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrReferenceNotFound   = errors.New("reference not found")
	ErrAmbiguousReference  = errors.New("ambiguous reference")
	ErrUnpublishedArtifact = errors.New("artifact is not published")
	// ErrConflict is returned by a Repository when the remote rejected a
	// push because the branch moved.
	ErrConflict = errors.New("push rejected: branch moved")
)

// MutationError reports a substitution that could not be applied. Nothing
// was committed.
type MutationError struct {
	Path string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutating %s: %v", e.Path, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func (e *MutationError) Retryable() bool {
	return false
}

// ConflictError is surfaced once the push was rejected again after one
// re-fetch and retry. The remote branch was never force-pushed.
type ConflictError struct {
	Repository string
	Branch     string
	Attempts   int
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict pushing %s@%s after %d attempts: %v", e.Repository, e.Branch, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func (e *ConflictError) Retryable() bool {
	return false
}
