package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/sse"
	"github.com/papercomputeco/chatwire/pkg/textcodec"
)

// ErrConsumed is yielded when a Stream is iterated a second time. Use Tee to
// give a stream two consumers.
var ErrConsumed = errors.New("stream: already consumed")

// Stream is the pull variant: the consumer asks for the next datum and the
// stream reads from its source as needed.
//
// Next returns io.EOF after the last datum. A stream that ends with "[DONE]"
// or a stop choice yields a final Done datum first. A business error ends
// the stream with a *ErrorObject.
type Stream struct {
	next  func(ctx context.Context) (Datum, error)
	close func() error

	mu       sync.Mutex
	consumed bool
}

func newStream(next func(context.Context) (Datum, error), closeFn func() error) *Stream {
	return &Stream{next: next, close: closeFn}
}

// Next returns the next datum.
func (s *Stream) Next(ctx context.Context) (Datum, error) {
	return s.next(ctx)
}

// All returns the range-over-func form of the stream. Breaking out of the
// loop closes the source. A second call yields ErrConsumed.
func (s *Stream) All(ctx context.Context) iter.Seq2[Datum, error] {
	return func(yield func(Datum, error) bool) {
		if !s.claim() {
			yield(Datum{}, ErrConsumed)
			return
		}

		for {
			d, err := s.next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Datum{}, err)
				return
			}
			if !yield(d, nil) {
				_ = s.Close()
				return
			}
		}
	}
}

// Close stops the stream and closes its source. It is idempotent.
func (s *Stream) Close() error {
	return s.close()
}

func (s *Stream) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return false
	}
	s.consumed = true
	return true
}

// Tee splits the stream into two streams that each yield every datum. The
// source is read once; whichever branch is ahead buffers for the other. The
// source is closed when both branches are closed.
func (s *Stream) Tee() (*Stream, *Stream) {
	if !s.claim() {
		failed := func(context.Context) (Datum, error) { return Datum{}, ErrConsumed }
		nop := func() error { return nil }
		return newStream(failed, nop), newStream(failed, nop)
	}

	t := &tee{src: s}
	return newStream(t.reader(0), t.closer(0)), newStream(t.reader(1), t.closer(1))
}

type teeResult struct {
	datum Datum
	err   error
}

type tee struct {
	src *Stream

	mu     sync.Mutex
	queues [2][]teeResult
	closed [2]bool
}

func (t *tee) reader(i int) func(context.Context) (Datum, error) {
	return func(ctx context.Context) (Datum, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.closed[i] {
			return Datum{}, io.EOF
		}
		if len(t.queues[i]) == 0 {
			d, err := t.src.next(ctx)
			r := teeResult{datum: d, err: err}
			for j := range t.queues {
				if !t.closed[j] {
					t.queues[j] = append(t.queues[j], r)
				}
			}
		}

		r := t.queues[i][0]
		t.queues[i] = t.queues[i][1:]
		return r.datum, r.err
	}
}

func (t *tee) closer(i int) func() error {
	return func() error {
		t.mu.Lock()
		t.closed[i] = true
		t.queues[i] = nil
		both := t.closed[0] && t.closed[1]
		t.mu.Unlock()

		if both {
			return t.src.Close()
		}
		return nil
	}
}

// WriteNDJSON encodes every datum as one line of JSON. It stops at the end of
// the stream and returns nil, or returns the first stream or write error. A
// stream ending in an ErrorObject gets a final {"error":{...}} line. If w has
// a Flush method it is called after every line.
func (s *Stream) WriteNDJSON(ctx context.Context, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for d, err := range s.All(ctx) {
		if err != nil {
			var eo *ErrorObject
			if errors.As(err, &eo) {
				_ = enc.Encode(errorLine{Error: eo})
				_ = flush(w)
			}
			return err
		}
		if err := enc.Encode(d); err != nil {
			_ = s.Close()
			return fmt.Errorf("writing datum: %w", err)
		}
		if err := flush(w); err != nil {
			_ = s.Close()
			return fmt.Errorf("flushing datum: %w", err)
		}
	}
	return nil
}

func flush(w io.Writer) error {
	switch f := w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

// Reader returns the stream as NDJSON bytes. Closing the reader closes the
// stream.
func (s *Stream) Reader(ctx context.Context) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.WriteNDJSON(ctx, pw))
	}()
	return &streamReader{PipeReader: pr, stream: s}
}

type streamReader struct {
	*io.PipeReader
	stream *Stream
}

func (r *streamReader) Close() error {
	_ = r.PipeReader.Close()
	return r.stream.Close()
}

// errorLine is the last NDJSON line of a stream that failed.
type errorLine struct {
	Error *ErrorObject `json:"error"`
}

// FromNDJSON reads datums written by WriteNDJSON. An error line ends the
// stream with that ErrorObject. If r is an io.Closer it is closed with the
// stream.
func FromNDJSON(r io.Reader) *Stream {
	dec := json.NewDecoder(r)

	var (
		mu     sync.Mutex
		done   bool
		failed error
		closed bool
	)
	next := func(ctx context.Context) (Datum, error) {
		mu.Lock()
		defer mu.Unlock()

		if failed != nil {
			return Datum{}, failed
		}
		if done || closed {
			return Datum{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Datum{}, NewError(abortCode(err), err, nil)
		}

		var line json.RawMessage
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				done = true
				return Datum{}, io.EOF
			}
			failed = NewError(CodeParseError, fmt.Errorf("decoding datum: %w", err), nil)
			return Datum{}, failed
		}

		var el errorLine
		if json.Unmarshal(line, &el) == nil && el.Error != nil {
			failed = el.Error
			return Datum{}, failed
		}

		var d Datum
		if err := json.Unmarshal(line, &d); err != nil {
			failed = NewError(CodeParseError, fmt.Errorf("decoding datum: %w", err), map[string]any{"line": string(line)})
			return Datum{}, failed
		}
		if d.Kind == KindDone {
			done = true
		}
		return d, nil
	}
	closeFn := func() error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		closed = true
		if c, ok := r.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}
	return newStream(next, closeFn)
}

// FromSource decodes the SSE byte stream read from src. Chunks are counted
// for telemetry the same way the push variant counts them.
func FromSource(src sse.ChunkSource, opts ...Option) *Stream {
	o := newOptions(opts)
	p := newPuller(o)
	p.it = sse.NewIterator(&countingSource{ChunkSource: src, onChunk: p.chunk}, o.textOpts...)
	return newStream(p.next, p.close)
}

// FromSSE turns the messages of it into datums.
func FromSSE(it *sse.Iterator, opts ...Option) *Stream {
	o := newOptions(opts)
	p := newPuller(o)
	p.it = it
	return newStream(p.next, p.close)
}

// puller drives a session from an sse.Iterator.
type puller struct {
	it        *sse.Iterator
	session   *session
	telemetry *telemetry
	filter    *keywordFilter
	onError   func(error)

	mu    sync.Mutex
	meta  Metadata
	stats counters
	queue []Datum
	err   error
}

func newPuller(o *options) *puller {
	p := &puller{
		telemetry: &telemetry{
			publisher: o.publisher,
			logger:    o.logger,
			source:    eventstream.EventSource{Service: "chatwire", Variant: "pull"},
		},
		filter:  o.filter,
		onError: o.onError,
		meta:    o.meta,
		stats:   counters{startedAt: time.Now()},
	}
	if p.onError == nil {
		p.onError = func(err error) {
			o.logger.Debug("stream error", "request_id", o.meta.RequestID, "error", err)
		}
	}
	p.session = &session{initial: o.meta.Session, report: p.report}
	return p
}

func (p *puller) next(ctx context.Context) (Datum, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			d := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return d, nil
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return Datum{}, err
		}
		p.mu.Unlock()

		msg, err := p.it.Next(ctx)
		if err != nil {
			p.fail(err)
			continue
		}

		switch out, errObj := p.session.handle(msg, p.push, p.onError); out {
		case outcomeDone:
			p.push(Done())
			p.terminate(io.EOF, CloseReasonStopSignal)
		case outcomeFailed:
			p.terminate(errObj, CloseReasonError)
		}
	}
}

func (p *puller) push(d Datum) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false
	}
	p.queue = append(p.queue, p.filter.apply(d))
	return true
}

// fail handles an iterator error. Everything but a text decoding error
// ends the stream.
func (p *puller) fail(err error) {
	if errors.Is(err, io.EOF) {
		p.terminate(io.EOF, CloseReasonEndOfStream)
		return
	}

	// The iterator has already dropped the block that failed; like the push
	// variant, report it and keep reading.
	var de *textcodec.DecodeError
	if errors.As(err, &de) {
		p.report(eventstream.EventTypeDecodeError, map[string]any{
			"error_type": "decode_error",
			"error_msg":  err.Error(),
		})
		p.onError(err)
		return
	}

	errObj := TransportError(err)
	p.report(eventstream.EventTypeProcessingError, map[string]any{
		"error_type": errObj.Code,
		"error_msg":  err.Error(),
	})
	p.terminate(errObj, CloseReasonError)
}

// terminate records the terminal error and closes the iterator. Only the
// first call reports stream_closed.
func (p *puller) terminate(err error, reason string) {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.mu.Unlock()

	_ = p.it.Close()
	p.report(eventstream.EventTypeClosed, map[string]any{"reason": reason})
}

func (p *puller) close() error {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.terminate(io.EOF, CloseReasonManual)
	return nil
}

// chunk counts one chunk read from the source.
func (p *puller) chunk(n int) {
	p.mu.Lock()
	now := time.Now()
	p.stats.chunks++
	p.stats.lastChunkAt = now
	first := p.stats.firstChunkAt.IsZero()
	if first {
		p.stats.firstChunkAt = now
	}
	p.mu.Unlock()

	p.report(eventstream.EventTypeChunkReceived, map[string]any{"chunk_bytes": n})
	if first {
		p.report(eventstream.EventTypeFirstChunk, map[string]any{
			"ttfb_ms": now.Sub(p.stats.startedAt).Milliseconds(),
		})
	}
}

func (p *puller) report(eventType string, attrs map[string]any) {
	p.mu.Lock()
	meta := p.meta.streamMeta(p.stats, p.session.current(), time.Now())
	p.mu.Unlock()

	p.telemetry.publish(eventType, meta, attrs)
}

// countingSource reports the size of every chunk read.
type countingSource struct {
	sse.ChunkSource
	onChunk func(n int)
}

func (s *countingSource) Next(ctx context.Context) ([]byte, error) {
	chunk, err := s.ChunkSource.Next(ctx)
	if err == nil {
		s.onChunk(len(chunk))
	}
	return chunk, err
}

// TransportError maps an error from reading the response to an ErrorObject:
// cancellation is ABORT_ERROR, deadlines and network timeouts are
// TIMEOUT_ERROR, anything else is NETWORK_ERROR. An ErrorObject is returned
// as is.
func TransportError(err error) *ErrorObject {
	var eo *ErrorObject
	if errors.As(err, &eo) {
		return eo
	}
	return NewError(abortCode(err), err, nil)
}

func abortCode(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return CodeAbortError
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeoutError
	case errors.As(err, &ne) && ne.Timeout():
		return CodeTimeoutError
	default:
		return CodeNetworkError
	}
}
