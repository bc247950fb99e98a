// Package slogpub publishes telemetry events as structured log records.
package slogpub

import (
	"context"
	"log/slog"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
)

// Publisher writes each event to a slog.Logger.
type Publisher struct {
	logger *slog.Logger
}

// NewPublisher creates a publisher that logs to logger.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Publish logs the event at a level derived from its type.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	attrs := []slog.Attr{
		slog.String("event_id", event.EventID),
		slog.String("request_id", event.Stream.RequestID),
		slog.Int("chunks_received", event.Stream.ChunksReceived),
	}
	if event.Stream.Session != "" {
		attrs = append(attrs, slog.String("session", event.Stream.Session))
	}
	if event.Stream.Model != "" {
		attrs = append(attrs, slog.String("model", event.Stream.Model))
	}
	if event.Stream.TotalDurationMs > 0 {
		attrs = append(attrs, slog.Int64("total_duration_ms", event.Stream.TotalDurationMs))
	}
	if len(event.Attrs) > 0 {
		group := make([]any, 0, len(event.Attrs)*2)
		for k, v := range event.Attrs {
			group = append(group, k, v)
		}
		attrs = append(attrs, slog.Group("attrs", group...))
	}

	p.logger.LogAttrs(ctx, Level(event.EventType), event.EventType, attrs...)
	return nil
}

// Close is a no-op; the logger is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}

// Level maps an event type to a log level.
func Level(eventType string) slog.Level {
	switch eventType {
	case eventstream.EventTypeChunkReceived:
		return slog.LevelDebug
	case eventstream.EventTypeTimeout, eventstream.EventTypeParseError,
		eventstream.EventTypeDecodeError, eventstream.EventTypeUnexpectedChunkType:
		return slog.LevelWarn
	case eventstream.EventTypeProcessingError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
