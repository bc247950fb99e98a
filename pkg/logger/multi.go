package logger

import (
	"context"
	"errors"
	"log/slog"
)

// Multi returns a logger that hands every record to each of loggers. Nil
// loggers and Nop loggers are skipped, and a single remaining logger is
// returned as is.
func Multi(loggers ...*slog.Logger) *slog.Logger {
	var handlers fanout
	for _, l := range loggers {
		if l == nil {
			continue
		}
		if _, nop := l.Handler().(nopHandler); nop {
			continue
		}
		handlers = append(handlers, l.Handler())
	}

	switch len(handlers) {
	case 0:
		return Nop()
	case 1:
		return slog.New(handlers[0])
	}
	return slog.New(handlers)
}

// fanout is a slog.Handler over several handlers. A failing handler does not
// keep the record from the others.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}
