package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// Options controls the handler built by NewHandler.
type Options struct {
	Output io.Writer
	Level  log.Level
}

func NewHandler(name string) slog.Handler {
	return NewHandlerWithOptions(name, Options{})
}

func NewHandlerWithOptions(name string, opts Options) slog.Handler {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := opts.Level
	if level == 0 {
		level = log.InfoLevel
	}
	return log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

// NewDev returns a logger that also emits debug records.
func NewDev(name string) *slog.Logger {
	return slog.New(NewHandlerWithOptions(name, Options{Level: log.DebugLevel}))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix
// to its prefix, keeping the level of the parent handler.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandlerWithOptions(prefix, Options{Level: cl.GetLevel()}))
	}

	return slog.New(NewHandler(suffix))
}

// Discard is a logger for tests and one-shot tools that should stay quiet.
func Discard() *slog.Logger {
	return slog.New(NewHandlerWithOptions("", Options{Output: io.Discard}))
}
