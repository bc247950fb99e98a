package stream

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/pkg/textcodec"
)

// DefaultIdleTimeout is the gap between chunks after which an open stream
// reports stream_timeout.
const DefaultIdleTimeout = 5 * time.Second

// Metadata identifies a stream in telemetry. Session is the caller's session
// until a business plugin announces one.
type Metadata struct {
	RequestID    string
	Session      string
	Model        string
	UserID       string
	MessageID    string
	UserQuestion string
}

// Option configures a Processor or a Stream.
type Option func(*options)

type options struct {
	publisher eventstream.Publisher
	logger    *slog.Logger
	idle      time.Duration
	meta      Metadata
	textOpts  []textcodec.Option
	filter    *keywordFilter
	onError   func(error)
}

func newOptions(opts []Option) *options {
	o := &options{
		logger: logger.Nop(),
		idle:   DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPublisher sends telemetry events to p.
func WithPublisher(p eventstream.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithIdleTimeout sets the idle watchdog threshold. Zero or less disables the
// watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idle = d
	}
}

// WithMetadata sets the identifying metadata used in telemetry.
func WithMetadata(m Metadata) Option {
	return func(o *options) {
		o.meta = m
	}
}

// WithStrictUTF8 makes malformed UTF-8 in the byte stream a decode error
// instead of a replacement character.
func WithStrictUTF8(strict bool) Option {
	return func(o *options) {
		o.textOpts = append(o.textOpts, textcodec.WithStrict(strict))
	}
}

// WithKeywordFilter replaces every case-insensitive occurrence of each key
// with its value in increment, content and reasoning text.
func WithKeywordFilter(replacements map[string]string) Option {
	return func(o *options) {
		o.filter = newKeywordFilter(replacements)
	}
}

// WithErrorHandler receives the non-fatal errors of a pull Stream, such as
// payloads that are not JSON. Fatal errors are returned from Next instead.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

type keywordFilter struct {
	patterns []*regexp.Regexp
	repls    []string
}

func newKeywordFilter(replacements map[string]string) *keywordFilter {
	if len(replacements) == 0 {
		return nil
	}

	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	f := &keywordFilter{}
	for _, k := range keys {
		f.patterns = append(f.patterns, regexp.MustCompile("(?i)"+regexp.QuoteMeta(k)))
		f.repls = append(f.repls, replacements[k])
	}
	return f
}

func (f *keywordFilter) apply(d Datum) Datum {
	if f == nil {
		return d
	}
	switch d.Kind {
	case KindIncrement, KindContent, KindReasoning:
		for i, re := range f.patterns {
			d.Text = re.ReplaceAllLiteralString(d.Text, f.repls[i])
		}
	}
	return d
}

// telemetry publishes events for one stream.
type telemetry struct {
	publisher eventstream.Publisher
	logger    *slog.Logger
	source    eventstream.EventSource
}

func (t *telemetry) publish(eventType string, meta eventstream.StreamMeta, attrs map[string]any) {
	if t.publisher == nil {
		return
	}
	event := eventstream.NewEvent(eventType, t.source, meta, attrs)
	if err := t.publisher.Publish(context.Background(), event); err != nil {
		t.logger.Debug("telemetry publish failed",
			"event_type", eventType,
			"error", err,
		)
	}
}

// counters are the per-stream statistics carried on every telemetry event.
type counters struct {
	startedAt    time.Time
	firstChunkAt time.Time
	lastChunkAt  time.Time
	chunks       int
}

func (m Metadata) streamMeta(c counters, session string, now time.Time) eventstream.StreamMeta {
	if session == "" {
		session = m.Session
	}
	sm := eventstream.StreamMeta{
		RequestID:       m.RequestID,
		Session:         session,
		Model:           m.Model,
		UserID:          m.UserID,
		MessageID:       m.MessageID,
		ChunksReceived:  c.chunks,
		TotalDurationMs: now.Sub(c.startedAt).Milliseconds(),
	}
	if !c.firstChunkAt.IsZero() {
		sm.GenerationDurationMs = now.Sub(c.firstChunkAt).Milliseconds()
	}
	return sm
}
