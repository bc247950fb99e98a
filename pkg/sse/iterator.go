package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/papercomputeco/chatwire/pkg/textcodec"
)

// ErrConsumed is returned when a single-pass message sequence is ranged over
// a second time.
var ErrConsumed = errors.New("sse: message sequence already consumed")

// ChunkSource is a pull-based sequence of byte chunks. Next returns io.EOF
// once the source is exhausted. Close aborts the source and may be called at
// any time, including concurrently with a blocked Next.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

const readChunkSize = 32 * 1024

// ReaderSource adapts rc, typically an HTTP response body, to a ChunkSource.
// Each Next call performs at most one Read.
func ReaderSource(rc io.ReadCloser) ChunkSource {
	return &readerSource{
		rc:  rc,
		buf: make([]byte, readChunkSize),
	}
}

type readerSource struct {
	rc   io.ReadCloser
	buf  []byte
	once sync.Once
	err  error
}

func (s *readerSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := s.rc.Read(s.buf)
	if n > 0 {
		return bytes.Clone(s.buf[:n]), nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *readerSource) Close() error {
	s.once.Do(func() {
		s.err = s.rc.Close()
	})
	return s.err
}

// Chunks returns a ChunkSource over an in-memory sequence of chunks.
func Chunks(chunks ...[]byte) ChunkSource {
	return &sliceSource{chunks: chunks}
}

type sliceSource struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.chunks = nil
	s.mu.Unlock()
	return nil
}

// FindDoubleNewline returns the index just past the first blank-line
// boundary in buf ("\n\n", "\r\r", "\r\n\r\n", "\n\r\n" or "\r\n\n"), or
// -1 when buf holds no complete message boundary.
func FindDoubleNewline(buf []byte) int {
	at := func(i int, b byte) bool { return i < len(buf) && buf[i] == b }

	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '\n':
			if at(i+1, '\n') {
				return i + 2
			}
			if at(i+1, '\r') && at(i+2, '\n') {
				return i + 3
			}
		case '\r':
			if at(i+1, '\r') {
				return i + 2
			}
			if at(i+1, '\n') && at(i+2, '\r') && at(i+3, '\n') {
				return i + 4
			}
			if at(i+1, '\n') && at(i+2, '\n') {
				return i + 3
			}
		}
	}
	return -1
}

// Iterator yields SSE messages from a ChunkSource. Bytes are batched on
// double-newline boundaries before line decoding; the messages produced are
// the same as decoding every chunk line by line.
//
// An Iterator is single pass and not safe for concurrent use, except for
// Close.
type Iterator struct {
	src   ChunkSource
	lines *LineDecoder
	dec   *Decoder

	buf   []byte
	queue []*Message

	// decodeErr is a text decoding failure waiting to be returned once the
	// messages decoded before it have been.
	decodeErr error
	eof       bool

	mu       sync.Mutex
	done     bool
	closed   bool
	consumed bool
}

// NewIterator returns an Iterator reading from src. Options configure text
// decoding.
func NewIterator(src ChunkSource, opts ...textcodec.Option) *Iterator {
	return &Iterator{
		src:   src,
		lines: NewLineDecoder(opts...),
		dec:   NewDecoder(),
	}
}

// Next returns the next message, or io.EOF once the source is exhausted or
// the iterator has been closed. When the source ends normally any partial
// line or message is flushed first. A *textcodec.DecodeError drops only the
// message block that failed; the following call carries on after it.
func (it *Iterator) Next(ctx context.Context) (*Message, error) {
	for {
		if it.isClosed() {
			it.discard()
			return nil, io.EOF
		}

		if len(it.queue) > 0 {
			msg := it.queue[0]
			it.queue = it.queue[1:]
			return msg, nil
		}

		if err := it.decodeErr; err != nil {
			it.decodeErr = nil
			return nil, err
		}

		if it.isDone() {
			return nil, io.EOF
		}

		// Blocks left behind a decode error.
		if it.drain(); len(it.queue) > 0 || it.decodeErr != nil {
			continue
		}

		if it.eof {
			if err := it.finish(); err != nil {
				return nil, err
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			_ = it.Close()
			return nil, err
		}

		chunk, err := it.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			it.eof = true
		case err != nil:
			_ = it.Close()
			return nil, err
		default:
			it.feed(chunk)
		}
	}
}

// Messages returns the range-over-func form of the iterator. Breaking out of
// the loop closes the source without flushing. Text decoding errors are
// yielded in place and iteration continues; any other error ends it. A
// second call yields ErrConsumed.
func (it *Iterator) Messages(ctx context.Context) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		it.mu.Lock()
		consumed := it.consumed
		it.consumed = true
		it.mu.Unlock()

		if consumed {
			yield(nil, ErrConsumed)
			return
		}

		for {
			msg, err := it.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var de *textcodec.DecodeError
				if errors.As(err, &de) && yield(nil, err) {
					continue
				}
				if de == nil {
					yield(nil, err)
				}
				_ = it.Close()
				return
			}
			if !yield(msg, nil) {
				_ = it.Close()
				return
			}
		}
	}
}

// Close terminates iteration early. Buffered bytes, lines and messages are
// discarded and the source is closed. Close is idempotent and may be called
// from another goroutine while Next is blocked on the source.
func (it *Iterator) Close() error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	it.done = true
	it.mu.Unlock()

	return it.src.Close()
}

// discard drops everything buffered once the iterator is closed.
func (it *Iterator) discard() {
	it.buf = nil
	it.queue = nil
	it.decodeErr = nil
	it.lines.Reset()
	it.dec.Reset()
}

func (it *Iterator) isDone() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.done
}

func (it *Iterator) isClosed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.closed
}

// feed appends chunk to the byte buffer and decodes every complete message
// block it now holds.
func (it *Iterator) feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	it.buf = append(it.buf, chunk...)
	it.drain()
}

// drain decodes complete message blocks until the buffer holds none or a
// block fails to decode. A failed block is dropped and its error is kept for
// Next; the blocks after it stay buffered.
func (it *Iterator) drain() {
	for it.decodeErr == nil {
		idx := FindDoubleNewline(it.buf)
		if idx < 0 {
			return
		}
		block := it.buf[:idx]
		it.buf = it.buf[idx:]
		it.decodeErr = it.decode(block)
	}
}

// finish drains leftover bytes and flushes both decoders at the normal end of
// the source.
func (it *Iterator) finish() error {
	if it.drain(); it.decodeErr != nil {
		// Next returns the error, then comes back here for the rest.
		return nil
	}
	if len(it.buf) > 0 {
		block := it.buf
		it.buf = nil
		if it.decodeErr = it.decode(block); it.decodeErr != nil {
			return nil
		}
	}

	for _, line := range it.lines.Flush() {
		it.push(it.dec.Decode(line))
	}
	it.push(it.dec.Flush())

	it.mu.Lock()
	it.done = true
	it.mu.Unlock()
	return it.src.Close()
}

func (it *Iterator) decode(block []byte) error {
	lines, err := it.lines.Decode(block)
	if err != nil {
		return err
	}
	for _, line := range lines {
		it.push(it.dec.Decode(line))
	}
	return nil
}

func (it *Iterator) push(msg *Message) {
	if msg != nil {
		it.queue = append(it.queue, msg)
	}
}
