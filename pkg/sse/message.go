// Package sse provides incremental Server-Sent Events decoding for chat
// completion streams. Input arrives as arbitrarily sized chunks; LineDecoder
// reassembles logical lines, Decoder frames lines into messages, and Iterator
// composes both over a ChunkSource. TeeReader additionally forwards the raw
// bytes verbatim to a downstream writer.
//
// This package intentionally does NOT provide SSE writer or server
// capabilities.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import "strings"

// Message represents a single parsed SSE message, delimited by a blank line
// in the upstream byte stream.
type Message struct {
	// Event is the value of the last "event:" field. An empty string means no
	// event field was seen (the default "message" type per the SSE spec).
	Event string

	// Data is the concatenated contents of all "data:" lines for this message,
	// joined with "\n".
	Data string

	// ID is the last event ID from the "id:" field, if present.
	ID string

	// Raw holds every non-blank line of the message in arrival order,
	// comments and unknown fields included.
	Raw []string
}

// IsDone reports whether the message carries the "[DONE]" stream sentinel.
func (m *Message) IsDone() bool {
	return strings.HasPrefix(m.Data, "[DONE]")
}
