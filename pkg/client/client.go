// Package client posts chat completion requests upstream and decodes the
// streamed SSE response with either the push Processor or the pull Stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/pkg/sse"
	"github.com/papercomputeco/chatwire/pkg/stream"
)

const (
	// DefaultTimeout bounds a whole request, body included. LLM responses can be slow.
	DefaultTimeout = 5 * time.Minute

	// readChunkSize is the buffer handed to the push processor per read.
	readChunkSize = 32 * 1024

	// maxErrorBody caps how much of a failed response is kept for the error.
	maxErrorBody = 64 * 1024

	// RequestIDHeader carries the per-request id upstream.
	RequestIDHeader = "X-Request-Id"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the upstream origin, e.g. https://tc.tencentdi.com
	BaseURL string

	// APIPrefix is joined between BaseURL and CompletionsPath.
	APIPrefix string

	// CompletionsPath is the streaming chat endpoint.
	CompletionsPath string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds each request (defaults to 5m).
	Timeout time.Duration

	// IdleTimeout is the stream watchdog interval (defaults to 5s, <0 disables).
	IdleTimeout time.Duration

	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client

	// Logger is the provided slog logger
	Logger *slog.Logger

	// Publisher receives stream telemetry.
	Publisher eventstream.Publisher

	// UserID is attached to telemetry.
	UserID string
}

// Client talks to one chat completions endpoint.
type Client struct {
	config Config
	url    string
	http   *http.Client
	logger *slog.Logger
}

// Handler receives the push-decoded stream of one request.
type Handler struct {
	// OnData receives each datum as it is decoded.
	OnData func(stream.Datum)

	// OnError receives non-fatal parse errors and the fatal error, if any.
	OnError func(error)

	// OnComplete runs once the stream ended without a fatal error.
	OnComplete func(stream.Stats)
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	endpoint, err := url.JoinPath(cfg.BaseURL, cfg.APIPrefix, cfg.CompletionsPath)
	if err != nil {
		return nil, fmt.Errorf("building completions url: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = stream.DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config: cfg,
		url:    endpoint,
		http:   httpClient,
		logger: cfg.Logger,
	}, nil
}

// URL returns the completions endpoint requests are posted to.
func (c *Client) URL() string {
	return c.url
}

type headerKey struct{}

// WithHeader returns ctx carrying extra request headers. The client's own
// headers win over these. A request id in h is used instead of a fresh one.
func WithHeader(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, headerKey{}, h)
}

func headerFrom(ctx context.Context) http.Header {
	h, _ := ctx.Value(headerKey{}).(http.Header)
	return h
}

// Response is an open upstream event stream.
type Response struct {
	// Body is the decompressed SSE body.
	Body io.ReadCloser

	// Metadata identifies the request in telemetry.
	Metadata stream.Metadata

	client *Client
}

// Open posts req and returns the undecoded response. The body is bound to
// ctx and must be closed by the caller.
func (c *Client) Open(ctx context.Context, req *chat.Request) (*Response, error) {
	body, meta, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response{Body: body, Metadata: meta, client: c}, nil
}

// Stream decodes the body with the pull variant. Closing the stream closes
// the body.
func (r *Response) Stream(opts ...stream.Option) *stream.Stream {
	return stream.FromSource(sse.ReaderSource(r.Body), r.client.options(r.Metadata, opts)...)
}

// Tee decodes the body like Stream while writing its raw bytes to w as they
// are read. Closing the stream does not close the body.
func (r *Response) Tee(w io.Writer, opts ...stream.Option) *stream.Stream {
	tr := sse.NewTeeReader(r.Body, w)
	return stream.FromSSE(tr.Iterator(), r.client.options(r.Metadata, opts)...)
}

// Stream posts req and returns the pull-decoded response. The response body
// is bound to ctx, so ctx must outlive the returned Stream.
func (c *Client) Stream(ctx context.Context, req *chat.Request, opts ...stream.Option) (*stream.Stream, error) {
	resp, err := c.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Stream(opts...), nil
}

// Do posts req and feeds the response body through a push Processor. It
// returns the fatal stream error, if any, after the handler has seen it.
func (c *Client) Do(ctx context.Context, req *chat.Request, h Handler, opts ...stream.Option) error {
	body, meta, err := c.open(ctx, req)
	if err != nil {
		if h.OnError != nil {
			h.OnError(err)
		}
		return err
	}
	defer body.Close()

	var last error
	onError := func(err error) {
		last = err
		if h.OnError != nil {
			h.OnError(err)
		}
	}

	p := stream.NewProcessor(c.options(meta, opts)...)
	buf := make([]byte, readChunkSize)
	for !p.State().Closed() {
		n, rerr := body.Read(buf)
		if n > 0 {
			p.ProcessChunk(buf[:n], h.OnData, onError, nil)
		}
		if errors.Is(rerr, io.EOF) {
			p.Finish(h.OnData, onError)
			break
		}
		if rerr != nil {
			terr := stream.TransportError(rerr)
			p.Close()
			onError(terr)
			return terr
		}
	}

	if p.State() == stream.StateClosedError {
		return last
	}
	if h.OnComplete != nil {
		h.OnComplete(p.Stats())
	}
	return nil
}

// options prepends the client defaults so caller options win.
func (c *Client) options(meta stream.Metadata, opts []stream.Option) []stream.Option {
	base := []stream.Option{
		stream.WithLogger(c.logger),
		stream.WithIdleTimeout(c.config.IdleTimeout),
		stream.WithMetadata(meta),
	}
	if c.config.Publisher != nil {
		base = append(base, stream.WithPublisher(c.config.Publisher))
	}
	return append(base, opts...)
}

// open posts req and returns the decoded response body. Every error it
// returns is an *stream.ErrorObject.
func (c *Client) open(ctx context.Context, req *chat.Request) (io.ReadCloser, stream.Metadata, error) {
	extra := headerFrom(ctx)
	meta := stream.Metadata{
		RequestID:    uuid.NewString(),
		Session:      req.Session,
		Model:        req.Model,
		UserID:       c.config.UserID,
		UserQuestion: lastUserMessage(req.Messages),
	}
	if id := extra.Get(RequestIDHeader); id != "" {
		meta.RequestID = id
	}

	send := *req
	send.Stream = true
	payload, err := json.Marshal(&send)
	if err != nil {
		return nil, meta, stream.NewError(stream.CodeUnknownError, fmt.Errorf("marshaling request: %w", err), nil)
	}

	profile := NewProfile()
	httpReq, err := http.NewRequestWithContext(profile.WithContext(ctx), http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, meta, stream.NewError(stream.CodeUnknownError, fmt.Errorf("creating request: %w", err), nil)
	}
	for k, v := range extra {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	httpReq.Header.Set(RequestIDHeader, meta.RequestID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	c.logger.Debug("sending chat request",
		"url", c.url,
		"request_id", meta.RequestID,
		"model", req.Model,
		"message_count", len(req.Messages),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		eo := stream.TransportError(err)
		if eo.Details != nil {
			eo.Details["url"] = c.url
		}
		return nil, meta, eo
	}
	profile.Log(c.logger, meta.RequestID)

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, meta, stream.NewError(stream.CodeParseError, err, map[string]any{"url": c.url})
	}

	if resp.StatusCode != http.StatusOK {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, meta, stream.NewHTTPError(resp.StatusCode, errors.New(errorMessage(resp.StatusCode, raw)), map[string]any{
			"url":  c.url,
			"body": string(raw),
		})
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		defer body.Close()
		return c.jsonBody(body, meta)
	}
	return body, meta, nil
}

// jsonBody handles an upstream that answered with a plain JSON document
// instead of an event stream: a business envelope is an error, anything else
// is decoded as a single SSE message.
func (c *Client) jsonBody(body io.Reader, meta stream.Metadata) (io.ReadCloser, stream.Metadata, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, meta, stream.TransportError(err)
	}
	raw = bytes.TrimSpace(raw)

	var envelope stream.BusinessResponse
	if json.Unmarshal(raw, &envelope) == nil && len(envelope.Code) > 0 && stream.IsBusinessError(&envelope) {
		c.logger.Debug("upstream returned business error", "request_id", meta.RequestID, "body", string(raw))
		return nil, meta, stream.NewBusinessError(&envelope, raw)
	}

	// A data field is one line; indented documents are compacted, and
	// anything that is not JSON keeps its lines as a multi-line data field.
	var compact bytes.Buffer
	if json.Compact(&compact, raw) == nil {
		raw = compact.Bytes()
	}

	var sb bytes.Buffer
	for line := range bytes.Lines(raw) {
		sb.WriteString("data: ")
		sb.Write(bytes.TrimRight(line, "\r\n"))
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	return io.NopCloser(&sb), meta, nil
}

func lastUserMessage(messages []chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

// errorMessage renders a failed response body. Non-JSON bodies are used as
// the message text.
func errorMessage(status int, raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && json.Valid(raw) {
		return stream.APIMessage(status, raw, "")
	}
	return stream.APIMessage(status, nil, string(raw))
}
