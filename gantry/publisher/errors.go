package publisher

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// PublishError is returned for every failed publish. Transient is set
// when the registry throttled us, answered with a server error, or could
// not be reached.
type PublishError struct {
	Op        string
	Ref       string
	Transient bool
	Err       error
}

func (e *PublishError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("publish: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("publish: %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Retryable() bool {
	return e.Transient
}

func permanent(op, ref string, err error) *PublishError {
	return &PublishError{Op: op, Ref: ref, Err: err}
}

func classify(op, ref string, err error) *PublishError {
	return &PublishError{Op: op, Ref: ref, Transient: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusTooManyRequests || terr.StatusCode >= 500
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
