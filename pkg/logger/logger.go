// Package logger builds the slog loggers used by chatwire commands, the relay
// and stream processing.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level  slog.Level
	format Format
	source bool
	writer io.Writer
}

// New builds a *slog.Logger from opts. Without options it logs text at Info
// level to os.Stdout.
func New(opts ...Option) *slog.Logger {
	c := &config{level: slog.LevelInfo, writer: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}
	if c.writer == nil {
		c.writer = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: c.level, AddSource: c.source}
	switch c.format {
	case FormatPretty:
		return slog.New(prettyHandler(c))
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(c.writer, handlerOpts))
	default:
		return slog.New(slog.NewTextHandler(c.writer, handlerOpts))
	}
}

func prettyHandler(c *config) slog.Handler {
	level := charmlog.InfoLevel
	if c.level <= slog.LevelDebug {
		level = charmlog.DebugLevel
	}

	return charmlog.NewWithOptions(c.writer, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
		ReportCaller:    c.source,
		TimeFormat:      time.Kitchen,
	})
}

// Nop returns a logger that discards everything. Components fall back to it
// when no logger is configured.
func Nop() *slog.Logger {
	return slog.New(nopHandler{})
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }
