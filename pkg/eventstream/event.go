// Package eventstream defines the telemetry events a chat stream emits and
// the Publisher interface that carries them to a backend.
package eventstream

import (
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1
)

// Event types reported during the life of one stream.
const (
	EventTypeChunkReceived       = "stream_chunk_received"
	EventTypeFirstChunk          = "stream_first_chunk"
	EventTypeProcessingError     = "stream_processing_error"
	EventTypePluginEvent         = "stream_plugin_event"
	EventTypeParseError          = "stream_parse_error"
	EventTypeDecodeError         = "stream_decode_error"
	EventTypeReferencesReceived  = "stream_references_received"
	EventTypeUnexpectedChunkType = "unexpected_chunk_type"
	EventTypeTimeout             = "stream_timeout"
	EventTypeClosed              = "stream_closed"
)

// Event is a transport-neutral telemetry event for one stream.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	EmittedAt     time.Time      `json:"emitted_at"`
	Source        EventSource    `json:"source"`
	Stream        StreamMeta     `json:"stream"`
	Attrs         map[string]any `json:"attrs,omitempty"`
}

// EventSource identifies the component that emitted the event.
type EventSource struct {
	Service string `json:"service"`
	Variant string `json:"variant,omitempty"`
}

// StreamMeta identifies the stream an event belongs to. Callers supply the
// identifying fields; the counters are filled in by the stream.
type StreamMeta struct {
	RequestID string `json:"request_id,omitempty"`
	Session   string `json:"session,omitempty"`
	Model     string `json:"model,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	ChunksReceived       int   `json:"chunks_received"`
	TotalDurationMs      int64 `json:"total_duration_ms,omitempty"`
	GenerationDurationMs int64 `json:"generation_duration_ms,omitempty"`
}

// NewEvent returns a V1 event of the given type with a fresh id.
func NewEvent(eventType string, source EventSource, meta StreamMeta, attrs map[string]any) *Event {
	return &Event{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Source:        source,
		Stream:        meta,
		Attrs:         attrs,
	}
}

// Key returns the partitioning key for the event: the request id when set,
// otherwise the event id.
func (e *Event) Key() string {
	if e.Stream.RequestID != "" {
		return e.Stream.RequestID
	}
	return e.EventID
}
