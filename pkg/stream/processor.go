package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/sse"
	"github.com/papercomputeco/chatwire/pkg/textcodec"
)

// State is the lifecycle state of a Processor.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosedNormal
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosedNormal:
		return "closed"
	case StateClosedError:
		return "closed_error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Closed reports whether s is a terminal state.
func (s State) Closed() bool {
	return s == StateClosedNormal || s == StateClosedError
}

// Close reasons carried on stream_closed.
const (
	CloseReasonManual      = "manual_close"
	CloseReasonStopSignal  = "stop_signal"
	CloseReasonError       = "error"
	CloseReasonEndOfStream = "end_of_stream"
)

// Stats is a snapshot of a stream's counters.
type Stats struct {
	StartedAt         time.Time
	FirstChunkAt      time.Time
	LastChunkAt       time.Time
	ChunksReceived    int
	FirstChunkLatency time.Duration
	Session           string
	State             State
}

// Processor is the push variant: the caller hands it raw chunks as they
// arrive and receives datums through callbacks. A Processor serves one
// stream; construct a new one per request.
type Processor struct {
	// procMu serializes ProcessChunk and Finish.
	procMu sync.Mutex

	// mu guards everything below. Callbacks never run with it held.
	mu      sync.Mutex
	state   State
	lines   *sse.LineDecoder
	decoder *sse.Decoder
	meta    Metadata
	stats   counters
	timer   *time.Timer

	session   *session
	telemetry *telemetry
	filter    *keywordFilter
	idle      time.Duration
	logger    *slog.Logger
}

// NewProcessor builds a Processor for one stream.
func NewProcessor(opts ...Option) *Processor {
	o := newOptions(opts)
	p := &Processor{
		lines:   sse.NewLineDecoder(o.textOpts...),
		decoder: sse.NewDecoder(),
		meta:    o.meta,
		stats:   counters{startedAt: time.Now()},
		telemetry: &telemetry{
			publisher: o.publisher,
			logger:    o.logger,
			source:    eventstream.EventSource{Service: "chatwire", Variant: "push"},
		},
		filter: o.filter,
		idle:   o.idle,
		logger: o.logger,
	}
	p.session = &session{initial: o.meta.Session, report: p.report}
	return p
}

// ProcessChunk decodes one chunk of the response body. onData receives each
// datum in order, onError each error. meta, when non-nil, replaces the
// stream's metadata. Chunks after the stream closed are ignored.
func (p *Processor) ProcessChunk(chunk any, onData func(Datum), onError func(error), meta *Metadata) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	onData, onError = callbacks(onData, onError)

	p.mu.Lock()
	if p.state.Closed() {
		p.mu.Unlock()
		return
	}
	if meta != nil {
		p.meta = *meta
		p.session.setInitial(meta.Session)
	}

	now := time.Now()
	p.stats.chunks++
	p.stats.lastChunkAt = now
	first := p.state == StateIdle
	if first {
		p.state = StateActive
		p.stats.firstChunkAt = now
		p.armWatchdog()
	} else if p.timer != nil {
		p.timer.Reset(p.idle)
	}

	lines, err := p.lines.Decode(chunk)
	msgs := p.decodeLines(lines)
	p.mu.Unlock()

	p.report(eventstream.EventTypeChunkReceived, map[string]any{
		"chunk_bytes": chunkSize(chunk),
	})
	if first {
		p.report(eventstream.EventTypeFirstChunk, map[string]any{
			"ttfb_ms": now.Sub(p.stats.startedAt).Milliseconds(),
		})
	}

	if err != nil {
		p.decodeFailed(chunk, err)
		onError(err)
		return
	}

	p.dispatch(msgs, onData, onError)
}

// Finish flushes what the decoders hold once upstream has ended and closes
// the stream. A trailing message without its blank line is delivered here.
func (p *Processor) Finish(onData func(Datum), onError func(error)) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	onData, onError = callbacks(onData, onError)

	p.mu.Lock()
	if p.state.Closed() {
		p.mu.Unlock()
		return
	}
	msgs := p.decodeLines(p.lines.Flush())
	if msg := p.decoder.Flush(); msg != nil {
		msgs = append(msgs, msg)
	}
	p.mu.Unlock()

	if p.dispatch(msgs, onData, onError) {
		p.finish(StateClosedNormal, CloseReasonEndOfStream)
	}
}

// Close ends the stream. It may be called from any goroutine, including from
// inside onData, and only the first call has any effect.
func (p *Processor) Close() {
	p.finish(StateClosedNormal, CloseReasonManual)
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsActive reports whether the stream has received data and is still open.
func (p *Processor) IsActive() bool {
	return p.State() == StateActive
}

// Stats returns a snapshot of the stream's counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		StartedAt:      p.stats.startedAt,
		FirstChunkAt:   p.stats.firstChunkAt,
		LastChunkAt:    p.stats.lastChunkAt,
		ChunksReceived: p.stats.chunks,
		Session:        p.session.current(),
		State:          p.state,
	}
	if !s.FirstChunkAt.IsZero() {
		s.FirstChunkLatency = s.FirstChunkAt.Sub(s.StartedAt)
	}
	return s
}

// decodeLines runs completed lines through the SSE decoder. Callers hold mu.
func (p *Processor) decodeLines(lines []string) []*sse.Message {
	var msgs []*sse.Message
	for _, line := range lines {
		if msg := p.decoder.Decode(line); msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// dispatch hands msgs to the session. It returns false once the stream has
// closed.
func (p *Processor) dispatch(msgs []*sse.Message, onData func(Datum), onError func(error)) bool {
	emit := func(d Datum) bool {
		if p.State().Closed() {
			return false
		}
		onData(p.filter.apply(d))
		return true
	}

	for _, msg := range msgs {
		if p.State().Closed() {
			return false
		}

		switch out, errObj := p.session.handle(msg, emit, onError); out {
		case outcomeDone:
			if p.finish(StateClosedNormal, CloseReasonStopSignal) {
				onData(Done())
			}
			return false
		case outcomeFailed:
			if p.finish(StateClosedError, CloseReasonError) {
				onError(errObj)
			}
			return false
		case outcomeStopped:
			return false
		}
	}
	return true
}

// finish moves the stream into a terminal state. It returns false if the
// stream was already closed.
func (p *Processor) finish(state State, reason string) bool {
	p.mu.Lock()
	if p.state.Closed() {
		p.mu.Unlock()
		return false
	}
	p.state = state
	if p.timer != nil {
		p.timer.Stop()
	}
	p.lines.Flush()
	p.lines.Reset()
	p.decoder.Reset()
	requestID := p.meta.RequestID
	p.mu.Unlock()

	p.logger.Debug("stream closed",
		"request_id", requestID,
		"reason", reason,
	)
	p.report(eventstream.EventTypeClosed, map[string]any{"reason": reason})
	return true
}

func (p *Processor) decodeFailed(chunk any, err error) {
	if textcodec.IsUnexpectedType(err) {
		p.report(eventstream.EventTypeUnexpectedChunkType, map[string]any{
			"chunk_type": fmt.Sprintf("%T", chunk),
		})
		return
	}
	p.report(eventstream.EventTypeDecodeError, map[string]any{
		"error_type": "decode_error",
		"error_msg":  err.Error(),
	})
}

// armWatchdog starts the idle timer. Callers hold mu.
func (p *Processor) armWatchdog() {
	if p.idle <= 0 {
		return
	}
	p.timer = time.AfterFunc(p.idle, p.tick)
}

// tick runs on the timer goroutine. It holds mu while reporting so a
// concurrent Close either happens before the check or waits for it.
func (p *Processor) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Closed() {
		return
	}

	now := time.Now()
	if delay := now.Sub(p.stats.lastChunkAt); delay >= p.idle {
		p.telemetry.publish(eventstream.EventTypeTimeout, p.streamMeta(now), map[string]any{
			"timeout_duration_ms": p.idle.Milliseconds(),
			"actual_delay_ms":     delay.Milliseconds(),
		})
		p.logger.Warn("stream idle",
			"request_id", p.meta.RequestID,
			"delay", delay,
		)
	}
	p.timer.Reset(p.idle)
}

// report publishes a telemetry event carrying the stream's metadata.
func (p *Processor) report(eventType string, attrs map[string]any) {
	p.mu.Lock()
	meta := p.streamMeta(time.Now())
	p.mu.Unlock()

	p.telemetry.publish(eventType, meta, attrs)
}

// streamMeta snapshots the metadata. Callers hold mu.
func (p *Processor) streamMeta(now time.Time) eventstream.StreamMeta {
	return p.meta.streamMeta(p.stats, p.session.current(), now)
}

func callbacks(onData func(Datum), onError func(error)) (func(Datum), func(error)) {
	if onData == nil {
		onData = func(Datum) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return onData, onError
}

func chunkSize(chunk any) int {
	switch c := chunk.(type) {
	case []byte:
		return len(c)
	case string:
		return len(c)
	case json.RawMessage:
		return len(c)
	case *bytes.Buffer:
		if c != nil {
			return c.Len()
		}
	}
	return 0
}
