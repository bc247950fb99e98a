package sse

import (
	"context"
	"errors"
	"io"
)

// TeeReader reads SSE messages from a source io.Reader while simultaneously
// writing all raw bytes verbatim to a destination io.Writer.
// This effectively enables "tee" shaped reading where TeeReader.Next
// returns the Message for consumption while writing to a separate destination.
//
// ┌──────────────────┐
// │ source io.Reader │
// └──────────────────┘
// │
// ▼
// ┌──────────────────┐   ┌───────────────────────┐
// │ TeeReader.Next() │──▶│ destination io.Writer │
// └──────────────────┘   └───────────────────────┘
// │
// ▼
// ┌──────────────────┐
// │     Message      │
// └──────────────────┘
//
// The relay uses it to pass upstream SSE through to its client untouched
// while the same messages are decoded for telemetry.
type TeeReader struct {
	it *Iterator
}

// NewTeeReader returns a TeeReader that parses SSE messages from src and
// writes all raw bytes through to dest as they are read.
// The dest writer typically backs an io.Pipe connected to the downstream HTTP
// response.
func NewTeeReader(src io.Reader, dest io.Writer) *TeeReader {
	return &TeeReader{
		it: NewIterator(ReaderSource(io.NopCloser(io.TeeReader(src, dest)))),
	}
}

// Next returns the next parsed SSE message. It blocks until a complete
// message is available (terminated by a blank line in the stream) and
// returns nil, nil when the source is exhausted. A message left unterminated
// at the end of the source is still returned.
func (r *TeeReader) Next() (*Message, error) {
	return r.NextContext(context.Background())
}

// NextContext is Next with cancellation. A cancelled context closes the
// reader.
func (r *TeeReader) NextContext(ctx context.Context) (*Message, error) {
	msg, err := r.it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return msg, err
}

// Iterator returns the underlying message iterator. Reading from it also
// writes through to the destination.
func (r *TeeReader) Iterator() *Iterator {
	return r.it
}

// Close stops reading without flushing any partial message.
func (r *TeeReader) Close() error {
	return r.it.Close()
}
